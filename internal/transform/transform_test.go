package transform

import (
	"testing"

	"github.com/transitlabs/sirihub/config"
)

func TestTransform_Apply(t *testing.T) {
	cases := []struct {
		name string
		rule Transform
		in   string
		want string
	}{
		{"rename matches", Transform{Kind: KindRename, From: "old", To: "new"}, "old", "new"},
		{"rename passes others", Transform{Kind: KindRename, From: "old", To: "new"}, "other", "other"},
		{"prefix strip", Transform{Kind: KindPrefixStrip, Prefix: "RUT:"}, "RUT:Line:1", "Line:1"},
		{"prefix strip no match", Transform{Kind: KindPrefixStrip, Prefix: "RUT:"}, "ATB:Line:1", "ATB:Line:1"},
		{"suffix strip", Transform{Kind: KindSuffixStrip, Suffix: "-x"}, "veh-1-x", "veh-1"},
		{"codespace rewrite", Transform{Kind: KindCodespace, Codespace: "NSB"}, "RUT:Line:1", "NSB:Line:1"},
		{"codespace without separator", Transform{Kind: KindCodespace, Codespace: "NSB"}, "plain", "plain"},
		{"emoji strip", Transform{Kind: KindEmojiStrip}, "Line 1 \U0001F68C", "Line 1 "},
		{"emoji strip keeps text", Transform{Kind: KindEmojiStrip}, "Linje å", "Linje å"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.apply(tc.in); got != tc.want {
				t.Errorf("apply(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestPipeline_Apply(t *testing.T) {
	p := Pipeline{
		{Kind: KindPrefixStrip, Prefix: "XX:"},
		{Kind: KindRename, From: "L1", To: "Line-1"},
	}

	t.Run("Rules run in order", func(t *testing.T) {
		if got := p.Apply("XX:L1"); got != "Line-1" {
			t.Errorf("Apply() = %q, want Line-1", got)
		}
	})

	t.Run("Empty refs pass through", func(t *testing.T) {
		if got := p.Apply(""); got != "" {
			t.Errorf("Apply(\"\") = %q, want empty", got)
		}
	})
}

func TestNewRegistry(t *testing.T) {
	t.Run("Valid specs build pipelines", func(t *testing.T) {
		r, err := NewRegistry(map[string][]config.TransformSpec{
			"ds1": {{Kind: "prefix-strip", Prefix: "XX:"}},
		})
		if err != nil {
			t.Fatalf("NewRegistry() error = %v", err)
		}
		if got := r.For("ds1").Apply("XX:ref"); got != "ref" {
			t.Errorf("For(ds1).Apply() = %q, want ref", got)
		}
	})

	t.Run("Unknown kind is rejected", func(t *testing.T) {
		_, err := NewRegistry(map[string][]config.TransformSpec{
			"ds1": {{Kind: "mystery"}},
		})
		if err == nil {
			t.Error("NewRegistry() with unknown kind expected error, got nil")
		}
	})

	t.Run("Unconfigured dataset gets identity", func(t *testing.T) {
		r, err := NewRegistry(nil)
		if err != nil {
			t.Fatalf("NewRegistry() error = %v", err)
		}
		if got := r.For("unknown").Apply("ref"); got != "ref" {
			t.Errorf("identity pipeline changed ref: %q", got)
		}
	})

	t.Run("Nil registry is identity", func(t *testing.T) {
		var r *Registry
		if got := r.For("ds1").Apply("ref"); got != "ref" {
			t.Errorf("nil registry changed ref: %q", got)
		}
	})
}
