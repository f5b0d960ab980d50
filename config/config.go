package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/transitlabs/sirihub/models"
)

const RaftDataDirName = "raft_data"

// Node is one cluster member's bindings.
type Node struct {
	RaftBinding  string `yaml:"raftBinding" validate:"required"`
	HTTPBinding  string `yaml:"httpBinding" validate:"required"`
	ClientDomain string `yaml:"clientDomain,omitempty"`
}

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // requests per second
	Burst int     `yaml:"burst"`
}

type RateLimiters struct {
	Ingest    RateLimiterConfig `yaml:"ingest"`
	Snapshot  RateLimiterConfig `yaml:"snapshot"`
	Subscribe RateLimiterConfig `yaml:"subscribe"`
	Default   RateLimiterConfig `yaml:"default"`
}

type SessionsConfig struct {
	DeliveryChannelSize      int `yaml:"deliveryChannelSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

// Cluster is the node-topology section. Single-node deployments may omit it
// entirely and run on the local in-process store.
type Cluster struct {
	InstanceSecret   string          `yaml:"instanceSecret"`
	DefaultLeader    string          `yaml:"defaultLeader"`
	Nodes            map[string]Node `yaml:"nodes"`
	TLS              TLS             `yaml:"tls"`
	ClientSkipVerify bool            `yaml:"clientSkipVerify"`
	DataDir          string          `yaml:"dataDir"`
}

func (c *Cluster) NodeDataDir(nodeID string) string {
	return filepath.Join(c.DataDir, nodeID)
}

// Enabled reports whether a replicated deployment is configured.
func (c *Cluster) Enabled() bool {
	return len(c.Nodes) > 0
}

// TransformSpec is one id-transform rule applied to a dataset's identifying
// fields before checksum computation.
type TransformSpec struct {
	Kind      string `yaml:"kind" validate:"required,oneof=rename prefix-strip suffix-strip codespace emoji-strip"`
	From      string `yaml:"from,omitempty"`
	To        string `yaml:"to,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	Suffix    string `yaml:"suffix,omitempty"`
	Codespace string `yaml:"codespace,omitempty"`
}

// UpstreamSubscription is one configured inbound subscription to a provider.
type UpstreamSubscription struct {
	ID                string        `yaml:"id"`
	Dataset           string        `yaml:"dataset" validate:"required"`
	Vendor            string        `yaml:"vendor" validate:"required"`
	Category          string        `yaml:"category" validate:"required"`
	Mode              string        `yaml:"mode" validate:"omitempty,oneof=SUBSCRIBE REQUEST_RESPONSE"`
	SubscribeURL      string        `yaml:"subscribeUrl,omitempty" validate:"omitempty,url"`
	DataURL           string        `yaml:"dataUrl,omitempty" validate:"omitempty,url"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	Duration          time.Duration `yaml:"duration,omitempty"`
}

// Hub is the consolidation/delivery engine configuration.
type Hub struct {
	// Outbound heartbeat negotiation bounds. Requested intervals outside
	// the range are clamped, never rejected.
	MinimumHeartbeatInterval time.Duration `yaml:"minimumHeartbeatInterval"`
	MaximumHeartbeatInterval time.Duration `yaml:"maximumHeartbeatInterval"`

	// DeliveryInterval drives each push subscription's delta tick.
	DeliveryInterval time.Duration `yaml:"deliveryInterval"`

	// ExpirySweepInterval drives the category stores' background sweep.
	ExpirySweepInterval time.Duration `yaml:"expirySweepInterval"`

	// AllowedSilence is the multiple of the negotiated heartbeat interval
	// an inbound subscription may stay quiet before turning unhealthy.
	AllowedSilenceFactor int `yaml:"allowedSilenceFactor"`

	// RetryCeiling is the fail count at which a forced restart is signaled.
	RetryCeiling int `yaml:"retryCeiling"`

	DispatchTimeout time.Duration `yaml:"dispatchTimeout"`

	Upstreams  []UpstreamSubscription     `yaml:"upstreams,omitempty"`
	Transforms map[string][]TransformSpec `yaml:"transforms,omitempty"`
}

type Config struct {
	NodeID       string         `yaml:"nodeId"`
	Cluster      Cluster        `yaml:"cluster"`
	Hub          Hub            `yaml:"hub"`
	RateLimiters RateLimiters   `yaml:"rateLimiters"`
	Sessions     SessionsConfig `yaml:"sessions"`
}

var (
	ErrConfigFileUnreadable        = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable    = errors.New("config file is unmarshallable")
	ErrNodeIDMissing               = errors.New("nodeId is missing in config")
	ErrInstanceSecretMissing       = errors.New("cluster.instanceSecret is required when cluster nodes are defined")
	ErrDefaultLeaderMissing        = errors.New("cluster.defaultLeader is not set in config")
	ErrDataDirMissing              = errors.New("cluster.dataDir is required when cluster nodes are defined")
	ErrNodeNotInCluster            = errors.New("nodeId does not match any configured cluster node")
	ErrTLSIncomplete               = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrHeartbeatBoundsInvalid      = errors.New("hub.minimumHeartbeatInterval must be positive and not exceed hub.maximumHeartbeatInterval")
	ErrDeliveryIntervalMissing     = errors.New("hub.deliveryInterval is missing or invalid in config")
	ErrExpirySweepIntervalMissing  = errors.New("hub.expirySweepInterval is missing or invalid in config")
	ErrAllowedSilenceFactorInvalid = errors.New("hub.allowedSilenceFactor must be at least 1")
	ErrRetryCeilingInvalid         = errors.New("hub.retryCeiling must be at least 1")
)

// Defaults applied to zero-valued Hub fields before validation.
const (
	DefaultMinimumHeartbeat    = 30 * time.Second
	DefaultMaximumHeartbeat    = 10 * time.Minute
	DefaultDeliveryInterval    = 5 * time.Second
	DefaultExpirySweepInterval = 30 * time.Second
	DefaultAllowedSilence      = 3
	DefaultRetryCeiling        = 3
	DefaultDispatchTimeout     = 15 * time.Second
)

func Load(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Hub.MinimumHeartbeatInterval == 0 {
		c.Hub.MinimumHeartbeatInterval = DefaultMinimumHeartbeat
	}
	if c.Hub.MaximumHeartbeatInterval == 0 {
		c.Hub.MaximumHeartbeatInterval = DefaultMaximumHeartbeat
	}
	if c.Hub.DeliveryInterval == 0 {
		c.Hub.DeliveryInterval = DefaultDeliveryInterval
	}
	if c.Hub.ExpirySweepInterval == 0 {
		c.Hub.ExpirySweepInterval = DefaultExpirySweepInterval
	}
	if c.Hub.AllowedSilenceFactor == 0 {
		c.Hub.AllowedSilenceFactor = DefaultAllowedSilence
	}
	if c.Hub.RetryCeiling == 0 {
		c.Hub.RetryCeiling = DefaultRetryCeiling
	}
	if c.Hub.DispatchTimeout == 0 {
		c.Hub.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.Sessions.DeliveryChannelSize == 0 {
		c.Sessions.DeliveryChannelSize = 256
	}
	if c.Sessions.WebSocketReadBufferSize == 0 {
		c.Sessions.WebSocketReadBufferSize = 1024
	}
	if c.Sessions.WebSocketWriteBufferSize == 0 {
		c.Sessions.WebSocketWriteBufferSize = 4096
	}
	if c.Sessions.MaxConnections == 0 {
		c.Sessions.MaxConnections = 128
	}
}

func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrNodeIDMissing
	}

	if c.Cluster.Enabled() {
		if c.Cluster.InstanceSecret == "" {
			return ErrInstanceSecretMissing
		}
		if c.Cluster.DefaultLeader == "" {
			return ErrDefaultLeaderMissing
		}
		if c.Cluster.DataDir == "" {
			return ErrDataDirMissing
		}
		if _, ok := c.Cluster.Nodes[c.NodeID]; !ok {
			return ErrNodeNotInCluster
		}
	}

	if (c.Cluster.TLS.Cert == "") != (c.Cluster.TLS.Key == "") {
		return ErrTLSIncomplete
	}

	if c.Hub.MinimumHeartbeatInterval <= 0 ||
		c.Hub.MinimumHeartbeatInterval > c.Hub.MaximumHeartbeatInterval {
		return ErrHeartbeatBoundsInvalid
	}
	if c.Hub.DeliveryInterval <= 0 {
		return ErrDeliveryIntervalMissing
	}
	if c.Hub.ExpirySweepInterval <= 0 {
		return ErrExpirySweepIntervalMissing
	}
	if c.Hub.AllowedSilenceFactor < 1 {
		return ErrAllowedSilenceFactorInvalid
	}
	if c.Hub.RetryCeiling < 1 {
		return ErrRetryCeilingInvalid
	}

	validate := validator.New()
	for nodeID, node := range c.Cluster.Nodes {
		if err := validate.Struct(node); err != nil {
			return fmt.Errorf("cluster node '%s' invalid: %w", nodeID, err)
		}
	}
	for i, up := range c.Hub.Upstreams {
		if err := validate.Struct(up); err != nil {
			return fmt.Errorf("upstream subscription %d invalid: %w", i, err)
		}
		if _, err := models.ParseCategory(up.Category); err != nil {
			return fmt.Errorf("upstream subscription %d invalid: %w", i, err)
		}
	}
	for dataset, specs := range c.Hub.Transforms {
		for i, spec := range specs {
			if err := validate.Struct(spec); err != nil {
				return fmt.Errorf("transform %d for dataset '%s' invalid: %w", i, dataset, err)
			}
		}
	}

	return nil
}
