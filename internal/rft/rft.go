// Package rft is the raft-replicated implementation of the shared keyed
// store. Writes are serialized through the raft log and applied to every
// node's in-memory table; reads are served locally. Bolt persists only the
// raft log itself, never the data tables.
package rft

import (
	"context"
	"log/slog"
	"time"

	"github.com/transitlabs/sirihub/config"
	"github.com/transitlabs/sirihub/internal/keyed"
)

// Replicated is the cluster-backed keyed.Store.
type Replicated interface {
	keyed.Store
	keyed.Evictor

	// Join adds a follower to the raft configuration. Leader only.
	Join(followerID string, followerAddress string) error

	IsLeader() bool

	// LeaderHTTPAddress resolves the leader's client-facing host:port from
	// the cluster configuration. No scheme; callers choose one from their
	// own TLS settings.
	LeaderHTTPAddress() (string, error)
}

// Settings for bringing up the replicated store on one node.
type Settings struct {
	Ctx     context.Context
	Logger  *slog.Logger
	Cluster *config.Cluster
	NodeCfg *config.Node
	NodeID  string

	// ApplyTimeout bounds a single raft Apply. Zero uses the default.
	ApplyTimeout time.Duration
}

const defaultApplyTimeout = 10 * time.Second

// New builds the FSM, wires raft over it, and (on a fresh default leader)
// bootstraps the cluster. Followers with no prior state start an auto-join
// loop in the background.
func New(settings Settings) (Replicated, error) {
	if settings.ApplyTimeout == 0 {
		settings.ApplyTimeout = defaultApplyTimeout
	}

	fsm := &storeFSM{
		logger: settings.Logger.WithGroup("fsm"),
		local: keyed.NewLocal(keyed.Config{
			Logger: settings.Logger,
			AppCtx: settings.Ctx,
		}),
	}

	r, err := setupRaft(&setupConfig{
		IsDefaultLeader:      settings.NodeID == settings.Cluster.DefaultLeader,
		Logger:               settings.Logger,
		NodeDir:              settings.Cluster.NodeDataDir(settings.NodeID),
		NodeID:               settings.NodeID,
		RaftAdvertiseAddress: settings.NodeCfg.RaftBinding,
		FSM:                  fsm,
		Cluster:              settings.Cluster,
	})
	if err != nil {
		return nil, err
	}

	store := &replicated{
		logger:       settings.Logger.WithGroup("rft"),
		cluster:      settings.Cluster,
		nodeID:       settings.NodeID,
		fsm:          fsm,
		raft:         r,
		applyTimeout: settings.ApplyTimeout,
	}

	if settings.NodeID != settings.Cluster.DefaultLeader {
		go func() {
			if err := attemptAutoJoin(settings.Ctx, settings.Logger.WithGroup("auto_join"), settings.NodeID, settings.Cluster, r, settings.NodeCfg.RaftBinding); err != nil {
				settings.Logger.Error("auto-join failed", "node", settings.NodeID, "error", err)
			}
		}()
	}

	return store, nil
}
