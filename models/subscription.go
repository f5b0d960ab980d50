package models

import "time"

// SubscriptionState is the lifecycle state of an inbound subscription.
type SubscriptionState string

const (
	StatePending    SubscriptionState = "PENDING"
	StateActive     SubscriptionState = "ACTIVE"
	StateHealthy    SubscriptionState = "HEALTHY"
	StateUnhealthy  SubscriptionState = "UNHEALTHY"
	StateTerminated SubscriptionState = "TERMINATED"
)

// SubscriptionMode selects how an upstream provider is consumed.
type SubscriptionMode string

const (
	ModeSubscribe       SubscriptionMode = "SUBSCRIBE"
	ModeRequestResponse SubscriptionMode = "REQUEST_RESPONSE"
)

// InboundSubscription is this hub's subscription to one upstream provider.
// Owned and mutated exclusively by the subscription registry.
type InboundSubscription struct {
	ID                string            `json:"id"`
	Dataset           string            `json:"dataset"`
	Vendor            string            `json:"vendor"`
	Category          Category          `json:"category"`
	Mode              SubscriptionMode  `json:"mode"`
	SubscribeURL      string            `json:"subscribeUrl,omitempty"`
	DataURL           string            `json:"dataUrl,omitempty"`
	HeartbeatInterval time.Duration     `json:"heartbeatInterval"`
	Duration          time.Duration     `json:"duration,omitempty"`
	State             SubscriptionState `json:"state"`
	ActivatedAt       time.Time         `json:"activatedAt,omitempty"`
	RestartRequested  bool              `json:"restartRequested,omitempty"`
}

func (s *InboundSubscription) Active() bool {
	switch s.State {
	case StateActive, StateHealthy, StateUnhealthy:
		return true
	}
	return false
}

// HealthRecord carries per-subscription liveness bookkeeping. Written only by
// the subscription registry; read by the health aggregator.
type HealthRecord struct {
	SubscriptionID   string    `json:"subscriptionId"`
	LastActivity     time.Time `json:"lastActivity,omitempty"`
	LastDataReceived time.Time `json:"lastDataReceived,omitempty"`
	FailCounter      int       `json:"failCounter"`
}

// SubscriptionHealth is the health aggregator's derived view of one inbound
// subscription.
type SubscriptionHealth struct {
	SubscriptionID string   `json:"subscriptionId"`
	Dataset        string   `json:"dataset"`
	Vendor         string   `json:"vendor"`
	Category       Category `json:"category"`
	Active         bool     `json:"active"`
	Healthy        bool     `json:"healthy"`
	Failing        bool     `json:"failing"`
	DataFailing5m  bool     `json:"dataFailing5m"`
	DataFailing15m bool     `json:"dataFailing15m"`
	DataFailing30m bool     `json:"dataFailing30m"`
}

// SubscriptionFilter scopes an outbound subscription or a pull query to a
// subset of a category's data. Zero value matches everything.
type SubscriptionFilter struct {
	Dataset  string   `json:"dataset,omitempty"`
	LineRefs []string `json:"lineRefs,omitempty"`
	StopRefs []string `json:"stopRefs,omitempty"`
}

// OutboundSubscription is one downstream consumer's push subscription. One
// (id, category) pair is an independent slot; the same id may hold slots in
// several categories at once.
type OutboundSubscription struct {
	ID                string             `json:"id"`
	ConsumerAddress   string             `json:"consumerAddress"`
	RequestorRef      string             `json:"requestorRef,omitempty"`
	Category          Category           `json:"category"`
	HeartbeatInterval time.Duration      `json:"heartbeatInterval"`
	Filter            SubscriptionFilter `json:"filter,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// SlotKey identifies the (id, category) slot this subscription occupies.
func (o *OutboundSubscription) SlotKey() string {
	return o.ID + ":" + string(o.Category)
}

// SubscribeRequest is the wire form of an outbound-subscription registration.
type SubscribeRequest struct {
	SubscriptionID    string             `json:"subscriptionId"`
	RequestorRef      string             `json:"requestorRef,omitempty"`
	Category          Category           `json:"category"`
	ConsumerAddress   string             `json:"consumerAddress"`
	HeartbeatInterval Duration           `json:"heartbeatInterval"`
	Filter            SubscriptionFilter `json:"filter,omitempty"`
}

// SubscribeResponse reports the negotiated result. Status false means the
// (id, category) slot was already taken; the original subscription remains
// untouched.
type SubscribeResponse struct {
	Status            bool     `json:"status"`
	SubscriptionID    string   `json:"subscriptionId"`
	Category          Category `json:"category"`
	HeartbeatInterval Duration `json:"heartbeatInterval,omitempty"`
	ErrorText         string   `json:"errorText,omitempty"`
}

// TerminateRequest removes one slot, or every slot bound to the id.
type TerminateRequest struct {
	SubscriptionID string   `json:"subscriptionId"`
	Category       Category `json:"category,omitempty"`
	All            bool     `json:"all,omitempty"`
}

type TerminateResponse struct {
	Status  bool `json:"status"`
	Removed int  `json:"removed"`
}
