// Package config loads FlexSim's environment-driven configuration and
// validates the startup profile before any component starts listening.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
)

// IOMode controls SDC fallback behavior on target failure.
type IOMode string

const (
	NetworkOnly        IOMode = "network_only"
	NetworkPreferLocal IOMode = "network_prefer_local"
)

// WritePolicy controls the ack rule for multi-replica writes.
type WritePolicy string

const (
	WriteAll    WritePolicy = "all"
	WriteQuorum WritePolicy = "quorum"
)

// Config is the full set of recognized options, bound from the
// environment via struct tags (github.com/caarlos0/env).
type Config struct {
	ControlPlaneBasePort int    `env:"FLEXSIM_CONTROL_PORT" envDefault:"9100"`
	DataPlaneBasePort    int    `env:"FLEXSIM_DATA_PORT" envDefault:"9700"`
	MDMAPIPort           int    `env:"FLEXSIM_MDM_API_PORT" envDefault:"8001"`
	SDCServicePort        int    `env:"FLEXSIM_SDC_PORT" envDefault:"9300"`
	ManagementPort        int    `env:"FLEXSIM_MGMT_PORT" envDefault:"9200"`
	StorageRoot           string `env:"FLEXSIM_STORAGE_ROOT" envDefault:"./flexsim_storage"`
	MDMBaseURL            string `env:"FLEXSIM_MDM_URL" envDefault:"http://127.0.0.1:8001"`

	IOMode      IOMode      `env:"FLEXSIM_IO_MODE" envDefault:"network_only"`
	WritePolicy WritePolicy `env:"FLEXSIM_WRITE_POLICY" envDefault:"all"`

	PlanCacheTTLSeconds    int `env:"FLEXSIM_PLAN_CACHE_TTL_SECONDS" envDefault:"30"`
	HeartbeatTimeoutSeconds int `env:"FLEXSIM_HEARTBEAT_TIMEOUT_SECONDS" envDefault:"30"`
	HeartbeatIntervalSeconds int `env:"FLEXSIM_HEARTBEAT_INTERVAL_SECONDS" envDefault:"10"`
	HealthScanIntervalSeconds int `env:"FLEXSIM_HEALTH_SCAN_INTERVAL_SECONDS" envDefault:"10"`

	AckBatchIntervalSeconds int `env:"FLEXSIM_ACK_BATCH_INTERVAL_SECONDS" envDefault:"5"`
	AckBatchSize            int `env:"FLEXSIM_ACK_BATCH_SIZE" envDefault:"100"`

	RebuildRateLimitBytesPerSec int64 `env:"FLEXSIM_REBUILD_RATE_LIMIT_BPS" envDefault:"104857600"`

	TokenTTLSeconds int    `env:"FLEXSIM_TOKEN_TTL_SECONDS" envDefault:"300"`
	ClusterSecret   string `env:"FLEXSIM_CLUSTER_SECRET" envDefault:""`
	ClusterName     string `env:"FLEXSIM_CLUSTER_NAME" envDefault:"flexsim-cluster"`
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the startup profile: every port must be in [1, 65535],
// every pair of ports configured for this process must be pairwise
// distinct, the storage root must be non-empty, a non-empty MDM base URL
// must parse as HTTP(S), and the IO mode and write policy must be known
// values. Config carries no host field, so no host is checked.
func (c *Config) Validate() error {
	ports := map[string]int{
		"control_plane": c.ControlPlaneBasePort,
		"data_plane":    c.DataPlaneBasePort,
		"mdm_api":       c.MDMAPIPort,
		"sdc_service":   c.SDCServicePort,
		"management":    c.ManagementPort,
	}

	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("config: %s port %d out of range [1, 65535]", name, port)
		}
	}

	seen := make(map[int]string, len(ports))
	for name, port := range ports {
		if other, ok := seen[port]; ok {
			return fmt.Errorf("config: port collision: %s and %s both use %d", other, name, port)
		}
		seen[port] = name
	}

	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("config: storage root must not be empty")
	}

	if c.MDMBaseURL != "" {
		u, err := url.Parse(c.MDMBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: mdm base url %q must parse as http(s)", c.MDMBaseURL)
		}
	}

	switch c.IOMode {
	case NetworkOnly, NetworkPreferLocal:
	default:
		return fmt.Errorf("config: invalid io mode %q", c.IOMode)
	}

	switch c.WritePolicy {
	case WriteAll, WriteQuorum:
	default:
		return fmt.Errorf("config: invalid write policy %q", c.WritePolicy)
	}

	return nil
}
