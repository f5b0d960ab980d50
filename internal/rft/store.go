package rft

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"

	"github.com/transitlabs/sirihub/config"
	"github.com/transitlabs/sirihub/internal/keyed"
)

// replicated routes writes through the raft log and serves reads from the
// node-local table the FSM maintains.
type replicated struct {
	logger       *slog.Logger
	cluster      *config.Cluster
	nodeID       string
	fsm          *storeFSM
	raft         *raft.Raft
	applyTimeout time.Duration
}

var _ Replicated = &replicated{}

func (r *replicated) apply(cmd command) (any, error) {
	if r.raft.State() != raft.Leader {
		addr, _ := r.LeaderHTTPAddress()
		return nil, &keyed.ErrNotLeader{LeaderAddress: addr}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, &keyed.ErrUnavailable{Err: fmt.Errorf("marshal command: %w", err)}
	}

	future := r.raft.Apply(data, r.applyTimeout)
	if err := future.Error(); err != nil {
		return nil, &keyed.ErrUnavailable{Err: err}
	}

	resp := future.Response()
	if respErr, ok := resp.(error); ok {
		return nil, &keyed.ErrUnavailable{Err: respErr}
	}
	return resp, nil
}

func (r *replicated) Get(key string) (string, error) {
	return r.fsm.local.Get(key)
}

func (r *replicated) Set(key string, value string, ttl time.Duration) error {
	_, err := r.apply(command{Op: cmdSet, Key: key, Value: value, TTLMS: ttl.Milliseconds()})
	return err
}

func (r *replicated) Delete(key string) error {
	_, err := r.apply(command{Op: cmdDelete, Key: key})
	return err
}

func (r *replicated) CompareAndSwap(key string, expect string, next string, ttl time.Duration) (bool, error) {
	resp, err := r.apply(command{Op: cmdCAS, Key: key, Expect: expect, Value: next, TTLMS: ttl.Milliseconds()})
	if err != nil {
		return false, err
	}
	result, ok := resp.(casResult)
	if !ok {
		return false, &keyed.ErrUnavailable{Err: fmt.Errorf("unexpected cas response type %T", resp)}
	}
	return result.Swapped, nil
}

func (r *replicated) Iterate(prefix string, offset int, limit int) ([]string, error) {
	return r.fsm.local.Iterate(prefix, offset, limit)
}

func (r *replicated) Drain(prefix string) ([]keyed.Entry, error) {
	resp, err := r.apply(command{Op: cmdDrain, Prefix: prefix})
	if err != nil {
		return nil, err
	}
	result, ok := resp.(drainResult)
	if !ok {
		return nil, &keyed.ErrUnavailable{Err: fmt.Errorf("unexpected drain response type %T", resp)}
	}
	return result.Entries, nil
}

func (r *replicated) OnEvict(fn func(key string, value string)) {
	r.fsm.local.OnEvict(fn)
}

func (r *replicated) Close() error {
	if err := r.raft.Shutdown().Error(); err != nil {
		r.logger.Error("raft shutdown error", "error", err)
	}
	return r.fsm.local.Close()
}

func (r *replicated) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

func (r *replicated) Join(followerID string, followerAddress string) error {
	if r.raft.State() != raft.Leader {
		addr, _ := r.LeaderHTTPAddress()
		return &keyed.ErrNotLeader{LeaderAddress: addr}
	}

	r.logger.Info("received join request", "follower_id", followerID, "follower_addr", followerAddress)

	cfgFuture := r.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return fmt.Errorf("failed to get raft configuration: %w", err)
	}

	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(followerID) {
			if srv.Address == raft.ServerAddress(followerAddress) {
				r.logger.Info("follower already a member", "follower_id", followerID)
				return nil
			}
			// Same id at a new address: remove the stale entry first.
			if err := r.raft.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
				return fmt.Errorf("failed to remove stale server %s: %w", followerID, err)
			}
		}
	}

	addFuture := r.raft.AddVoter(raft.ServerID(followerID), raft.ServerAddress(followerAddress), 0, 0)
	if err := addFuture.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", followerID, err)
	}

	r.logger.Info("follower joined", "follower_id", followerID, "follower_addr", followerAddress)
	return nil
}

func (r *replicated) LeaderHTTPAddress() (string, error) {
	_, leaderID := r.raft.LeaderWithID()
	if leaderID == "" {
		return "", fmt.Errorf("no current leader")
	}

	node, ok := r.cluster.Nodes[string(leaderID)]
	if !ok {
		return "", fmt.Errorf("leader node '%s' not found in cluster config", leaderID)
	}

	// Bare host:port; callers pick the scheme from their TLS config.
	return node.HTTPBinding, nil
}
