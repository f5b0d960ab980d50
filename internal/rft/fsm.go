package rft

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"

	"github.com/transitlabs/sirihub/internal/keyed"
)

// FSM commands. The leader appends these to the raft log; every node applies
// them to its local table in log order.
const (
	cmdSet    = "set"
	cmdDelete = "delete"
	cmdCAS    = "cas"
	cmdDrain  = "drain"
)

type command struct {
	Op     string `json:"op"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Expect string `json:"expect,omitempty"`
	TTLMS  int64  `json:"ttlMs,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// casResult and drainResult are the Apply return values surfaced to the
// leader-side caller.
type casResult struct {
	Swapped bool
}

type drainResult struct {
	Entries []keyed.Entry
}

type storeFSM struct {
	logger *slog.Logger
	local  *keyed.Local
}

var _ raft.FSM = &storeFSM{}

func (f *storeFSM) Apply(l *raft.Log) any {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Error("could not unmarshal raft log entry", "error", err)
		return fmt.Errorf("could not unmarshal command: %w", err)
	}

	switch cmd.Op {
	case cmdSet:
		return f.local.Set(cmd.Key, cmd.Value, time.Duration(cmd.TTLMS)*time.Millisecond)
	case cmdDelete:
		return f.local.Delete(cmd.Key)
	case cmdCAS:
		swapped, err := f.local.CompareAndSwap(cmd.Key, cmd.Expect, cmd.Value, time.Duration(cmd.TTLMS)*time.Millisecond)
		if err != nil {
			return err
		}
		return casResult{Swapped: swapped}
	case cmdDrain:
		entries, err := f.local.Drain(cmd.Prefix)
		if err != nil {
			return err
		}
		return drainResult{Entries: entries}
	}

	f.logger.Error("unknown raft command", "op", cmd.Op)
	return fmt.Errorf("unknown raft command '%s'", cmd.Op)
}

func (f *storeFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &tableSnapshot{table: f.local.Dump()}, nil
}

func (f *storeFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	decoder := json.NewDecoder(rc)
	restored := make(map[string]keyed.DumpEntry)
	for {
		var entry snapshotEntry
		if err := decoder.Decode(&entry); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to decode snapshot entry: %w", err)
		}
		restored[entry.Key] = keyed.DumpEntry{
			Value:     entry.Value,
			ExpiresAt: entry.ExpiresAt,
		}
	}

	f.local.Restore(restored)
	f.logger.Info("restored table from snapshot", "entries", len(restored))
	return nil
}
