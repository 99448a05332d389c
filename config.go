package bridgemcp

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBackendPort is probed when no port is configured.
const DefaultBackendPort = 8090

// Config is the bridge's configuration surface: defaults, then an
// optional YAML file, then environment overrides. Flags in cmd/bridgemcp
// layer on top of the loaded result.
type Config struct {
	// BackendPort is the editor backend's TCP port. Required, 1–65535.
	BackendPort int `yaml:"backend_port"`

	// CandidatePorts are additional ports discovery probes besides
	// BackendPort, for backends that rebind to a fallback port.
	CandidatePorts []int `yaml:"candidate_ports,omitempty"`

	// ClientName is the tool-caller display name announced to the
	// backend. Optional; the MCP initialize handshake may supply it later.
	ClientName string `yaml:"client_name,omitempty"`

	// Debug gates structured diagnostic output.
	Debug bool `yaml:"debug,omitempty"`

	// SyncClients lists caller-identity substrings known not to support
	// the tools/list_changed push notification. Matching clients get the
	// blocking handshake: initialize waits until tools are enumerated.
	SyncClients []string `yaml:"sync_clients,omitempty"`
}

// Env variable names consumed by LoadConfig.
const (
	EnvConfigPath  = "BRIDGE_CONFIG"
	EnvBackendPort = "BRIDGE_TCP_PORT"
	EnvClientName  = "BRIDGE_CLIENT_NAME"
	EnvDebug       = "BRIDGE_DEBUG"
	EnvSyncClients = "BRIDGE_SYNC_CLIENTS"
)

// LoadConfig builds the effective configuration. path may be empty, in
// which case only BRIDGE_CONFIG is consulted for a file; a missing file
// is not an error, a malformed one is.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{BackendPort: DefaultBackendPort}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv(EnvBackendPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid port %q", EnvBackendPort, v)
		}
		cfg.BackendPort = port
	}
	if v := os.Getenv(EnvClientName); v != "" {
		cfg.ClientName = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(EnvSyncClients); v != "" {
		cfg.SyncClients = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.SyncClients = append(cfg.SyncClients, s)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks port ranges.
func (c *Config) Validate() error {
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		return fmt.Errorf("backend port %d out of range 1-65535", c.BackendPort)
	}
	for _, p := range c.CandidatePorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("candidate port %d out of range 1-65535", p)
		}
	}
	return nil
}

// Ports returns the ordered, de-duplicated probe list: the configured
// port first, then any extra candidates.
func (c *Config) Ports() []int {
	seen := map[int]bool{c.BackendPort: true}
	ports := []int{c.BackendPort}
	for _, p := range c.CandidatePorts {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	return ports
}

// IsSyncClient reports whether name matches any configured substring of
// clients that need the blocking handshake.
func (c *Config) IsSyncClient(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range c.SyncClients {
		if s != "" && strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
