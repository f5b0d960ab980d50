package models

import "time"

// MergeResult is the aggregate outcome of one merge batch. The counts are the
// only side-channel output of a merge besides store mutation; the metrics
// layer consumes them.
type MergeResult struct {
	Accepted int `json:"accepted"`
	Updated  int `json:"updated"`
	Expired  int `json:"expired"`
	Ignored  int `json:"ignored"`
}

func (m *MergeResult) Add(other MergeResult) {
	m.Accepted += other.Accepted
	m.Updated += other.Updated
	m.Expired += other.Expired
	m.Ignored += other.Ignored
}

// DeliveryKind distinguishes payload-bearing deltas from bare heartbeats.
type DeliveryKind string

const (
	DeliveryDelta     DeliveryKind = "delta"
	DeliveryHeartbeat DeliveryKind = "heartbeat"
)

// Delivery is one outbound dispatch to a push consumer: either a delta
// (changed objects since the consumer's last drain) or a heartbeat. Objects
// carry the category's payload type, JSON-encoded per object.
type Delivery struct {
	Kind           DeliveryKind   `json:"kind"`
	SubscriptionID string         `json:"subscriptionId"`
	RequestorRef   string         `json:"requestorRef,omitempty"`
	Category       Category       `json:"category"`
	Timestamp      time.Time      `json:"timestamp"`
	Objects        []DomainObject `json:"objects,omitempty"`
}

// Snapshot is the full current state of one category for a pull consumer.
type Snapshot struct {
	Category  Category       `json:"category"`
	Dataset   string         `json:"dataset,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Objects   []DomainObject `json:"objects"`
}
