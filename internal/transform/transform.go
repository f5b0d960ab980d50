// Package transform applies per-dataset rewrites to identifying reference
// fields before they enter checksum computation. The rule set is closed: a
// small number of tagged kinds dispatched by a table, composed into an
// ordered pipeline per dataset.
package transform

import (
	"fmt"
	"strings"

	"github.com/transitlabs/sirihub/config"
)

// Kind tags one transform variant.
type Kind string

const (
	KindRename      Kind = "rename"
	KindPrefixStrip Kind = "prefix-strip"
	KindSuffixStrip Kind = "suffix-strip"
	KindCodespace   Kind = "codespace"
	KindEmojiStrip  Kind = "emoji-strip"
)

// Transform is one rule. Only the fields its kind reads are meaningful.
type Transform struct {
	Kind      Kind
	From      string
	To        string
	Prefix    string
	Suffix    string
	Codespace string
}

func (t Transform) apply(ref string) string {
	switch t.Kind {
	case KindRename:
		if ref == t.From {
			return t.To
		}
		return ref
	case KindPrefixStrip:
		return strings.TrimPrefix(ref, t.Prefix)
	case KindSuffixStrip:
		return strings.TrimSuffix(ref, t.Suffix)
	case KindCodespace:
		// Rewrites the codespace segment of "XXX:Type:id" identifiers.
		parts := strings.SplitN(ref, ":", 2)
		if len(parts) == 2 {
			return t.Codespace + ":" + parts[1]
		}
		return ref
	case KindEmojiStrip:
		return stripEmoji(ref)
	}
	return ref
}

func stripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // pictographs, transport symbols
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r == 0xFE0E || r == 0xFE0F: // variation selectors
		return true
	case r == 0x200D: // zero-width joiner
		return true
	}
	return false
}

// Pipeline is an ordered list of transforms for one dataset.
type Pipeline []Transform

// Apply runs every rule in order. Empty refs pass through untouched so
// optional fields stay optional.
func (p Pipeline) Apply(ref string) string {
	if ref == "" {
		return ""
	}
	for _, t := range p {
		ref = t.apply(ref)
	}
	return ref
}

// Registry holds the configured pipeline per dataset.
type Registry struct {
	pipelines map[string]Pipeline
}

// NewRegistry builds dataset pipelines from configuration. Unknown kinds are
// rejected here rather than silently ignored at merge time.
func NewRegistry(specs map[string][]config.TransformSpec) (*Registry, error) {
	r := &Registry{pipelines: make(map[string]Pipeline, len(specs))}
	for dataset, rules := range specs {
		pipeline := make(Pipeline, 0, len(rules))
		for i, rule := range rules {
			kind := Kind(rule.Kind)
			switch kind {
			case KindRename, KindPrefixStrip, KindSuffixStrip, KindCodespace, KindEmojiStrip:
			default:
				return nil, fmt.Errorf("unknown transform kind '%s' (dataset '%s', rule %d)", rule.Kind, dataset, i)
			}
			pipeline = append(pipeline, Transform{
				Kind:      kind,
				From:      rule.From,
				To:        rule.To,
				Prefix:    rule.Prefix,
				Suffix:    rule.Suffix,
				Codespace: rule.Codespace,
			})
		}
		r.pipelines[dataset] = pipeline
	}
	return r, nil
}

// For returns the pipeline for a dataset; datasets without rules get the
// identity pipeline.
func (r *Registry) For(dataset string) Pipeline {
	if r == nil {
		return nil
	}
	return r.pipelines[dataset]
}
