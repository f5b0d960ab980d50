package keyed

import "fmt"

// ErrKeyNotFound is returned when a key does not exist in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key '%s' not found", e.Key)
}

// ErrNotLeader is returned by the replicated store when a write lands on a
// follower. Callers redirect to the leader's HTTP address.
type ErrNotLeader struct {
	LeaderAddress string
}

func (e *ErrNotLeader) Error() string {
	if e.LeaderAddress == "" {
		return "not the cluster leader (leader unknown)"
	}
	return fmt.Sprintf("not the cluster leader (leader at %s)", e.LeaderAddress)
}

// ErrUnavailable is returned when the underlying store cannot serve the
// operation at all. It is the only error the core lets escape a merge or
// read; callers surface it to operational monitoring.
type ErrUnavailable struct {
	Err error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("keyed store unavailable: %v", e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }
