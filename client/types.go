package client

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/transitlabs/sirihub/models"
)

// Snapshot is the wire form of a pull response. Objects stay raw until the
// caller decodes them against the category's payload type.
type Snapshot struct {
	Category  models.Category   `json:"category"`
	Dataset   string            `json:"dataset,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Objects   []json.RawMessage `json:"objects"`
}

// DecodeObjects resolves the raw objects into the category's payload type.
func (s *Snapshot) DecodeObjects() ([]models.DomainObject, error) {
	return decodeRaw(s.Category, s.Objects)
}

// Delivery is the wire form of one push dispatch received over a stream or
// an HTTP callback.
type Delivery struct {
	Kind           models.DeliveryKind `json:"kind"`
	SubscriptionID string              `json:"subscriptionId"`
	RequestorRef   string              `json:"requestorRef,omitempty"`
	Category       models.Category     `json:"category"`
	Timestamp      time.Time           `json:"timestamp"`
	Objects        []json.RawMessage   `json:"objects,omitempty"`
}

func (d *Delivery) DecodeObjects() ([]models.DomainObject, error) {
	return decodeRaw(d.Category, d.Objects)
}

func decodeRaw(category models.Category, raw []json.RawMessage) ([]models.DomainObject, error) {
	objects := make([]models.DomainObject, 0, len(raw))
	for i, msg := range raw {
		obj, err := models.DecodeDomainObject(category, msg)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode object %d", i)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

type CategoryStatus struct {
	Category models.Category `json:"category"`
	Entries  int             `json:"entries"`
}

// Status is one node's operational summary.
type Status struct {
	Node          string                      `json:"node"`
	Status        string                      `json:"status"`
	Uptime        string                      `json:"uptime"`
	Leader        bool                        `json:"leader,omitempty"`
	Categories    []CategoryStatus            `json:"categories"`
	Subscriptions []models.SubscriptionHealth `json:"subscriptions"`
}

type OutboundView struct {
	models.OutboundSubscription
	FailCount int `json:"failCount"`
}

type Subscriptions struct {
	Inbound  []models.InboundSubscription `json:"inbound"`
	Outbound []OutboundView               `json:"outbound"`
}
