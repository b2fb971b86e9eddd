// Package config loads waddlemq's broker configuration from a JSONC
// file: comments and trailing commas are tolerated (the config is
// meant to be hand-edited), then decoded into a struct of tunables
// with defaults applied where the file is silent. Unknown fields are
// ignored.
package config

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tailscale/hujson"
)

// IndexConfig mirrors keyindex.Config's on-disk-tunable fields.
type IndexConfig struct {
	Dir             string `json:"dir"`
	SlotCount       int32  `json:"slotCount"`
	MaxEntries      int32  `json:"maxEntries"`
	MaxQueryCount   int    `json:"maxQueryCount"`
	DestroyTimeoutMs int   `json:"destroyTimeoutMs"`
	RolloverRetries int    `json:"rolloverRetries"`
	ArchiveDir      string `json:"archiveDir"`
}

// HAConfig covers both the master (Addr, MaxPushBytes,
// HeartbeatExpiry, FallbehindMax) and slave (MasterAddr, AckInterval)
// sides; a broker only uses the half matching its Role.
type HAConfig struct {
	Role                string `json:"role"` // "master" or "slave"
	ListenAddr          string `json:"listenAddr"`
	MasterAddr          string `json:"masterAddr"`
	MaxPushBytes        int    `json:"maxPushBytes"`
	HeartbeatExpiryMs   int    `json:"heartbeatExpiryMs"`
	FallbehindMaxBytes  int64  `json:"fallbehindMaxBytes"`
	AckIntervalMs       int    `json:"ackIntervalMs"`
}

// GateConfig covers the synchronous group-commit gate.
type GateConfig struct {
	Enabled       bool `json:"enabled"`
	WaitEachMs    int  `json:"waitEachMs"`
	MaxWaits      int  `json:"maxWaits"`
}

// Config is the broker's full configuration, decoded from a single
// JSONC file passed via -config.
type Config struct {
	BrokerName string     `json:"brokerName"`
	CommitLog  string     `json:"commitLogPath"`
	Checkpoint string     `json:"checkpointPath"`
	Index      IndexConfig `json:"index"`
	HA         HAConfig    `json:"ha"`
	Gate        GateConfig  `json:"gate"`
}

func (c *Config) applyDefaults() {
	if c.BrokerName == "" {
		c.BrokerName = "waddlemq-broker"
	}
	if c.CommitLog == "" {
		c.CommitLog = "./data/commitlog"
	}
	if c.Checkpoint == "" {
		c.Checkpoint = "./data/checkpoint.json"
	}
	if c.Index.Dir == "" {
		c.Index.Dir = "./data/index"
	}
	if c.HA.Role == "" {
		c.HA.Role = "master"
	}
	if c.HA.ListenAddr == "" {
		c.HA.ListenAddr = ":10912"
	}
}

// DestroyTimeout returns Index.DestroyTimeoutMs as a time.Duration.
func (c *Config) DestroyTimeout() time.Duration {
	return time.Duration(c.Index.DestroyTimeoutMs) * time.Millisecond
}

// HeartbeatExpiry returns HA.HeartbeatExpiryMs as a time.Duration.
func (c *Config) HeartbeatExpiry() time.Duration {
	return time.Duration(c.HA.HeartbeatExpiryMs) * time.Millisecond
}

// AckInterval returns HA.AckIntervalMs as a time.Duration.
func (c *Config) AckInterval() time.Duration {
	return time.Duration(c.HA.AckIntervalMs) * time.Millisecond
}

// GateWaitEach returns Gate.WaitEachMs as a time.Duration.
func (c *Config) GateWaitEach() time.Duration {
	return time.Duration(c.Gate.WaitEachMs) * time.Millisecond
}

// Load reads a JSONC (JSON-with-comments) config file at path,
// standardizes it to plain JSON, and decodes it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(std, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}
