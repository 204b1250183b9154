package bootstrap

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	"github.com/WALL-EEEEEEE/aeron/pkg/service"
)

// Duration is a time.Duration that decodes from "250ms"/"5s" style strings in
// both YAML and environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("bootstrap: bad duration %q: %w", n.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config defines high-level inputs to assemble a node with sensible defaults.
// Applications embed the runtime by providing this structure and calling
// Build/Run. Fields load from a YAML file and can be overridden through
// AERON_* environment variables.
type Config struct {
	// Identity and addresses
	NodeID   string `yaml:"nodeId" env:"AERON_NODE_ID"`
	RaftAddr string `yaml:"raftAddr" env:"AERON_RAFT_ADDR"` // e.g., ":9521" or "host:9521"
	MemBind  string `yaml:"memBind" env:"AERON_MEM_BIND"`   // membership bind host:port
	MemAdv   string `yaml:"memAdvertise" env:"AERON_MEM_ADVERTISE"`

	// Management API (status/join/leave/snapshot/propose/metrics)
	MgmtAddr  string `yaml:"mgmtAddr" env:"AERON_MGMT_ADDR"`
	MgmtProto string `yaml:"mgmtProto" env:"AERON_MGMT_PROTO"` // "http" (default) or "grpc"

	// Client gateway (websocket ingress). Empty disables the gateway.
	GatewayAddr    string   `yaml:"gatewayAddr" env:"AERON_GATEWAY_ADDR"`
	GatewayToken   string   `yaml:"gatewayToken" env:"AERON_GATEWAY_TOKEN"`
	GatewayOrigins []string `yaml:"gatewayOrigins" env:"AERON_GATEWAY_ORIGINS" envSeparator:","`

	// Discovery settings
	DiscoveryKind string        `yaml:"discoveryKind" env:"AERON_DISCOVERY_KIND"` // "static" (default), "dns", or "file"
	SeedsCSV      string        `yaml:"seeds" env:"AERON_SEEDS"`
	DNSNamesCSV   string        `yaml:"dnsNames" env:"AERON_DNS_NAMES"`
	DNSPort       int           `yaml:"dnsPort" env:"AERON_DNS_PORT"`
	DiscRefresh   Duration      `yaml:"discRefresh" env:"AERON_DISC_REFRESH"`
	FilePath      string        `yaml:"seedsFile" env:"AERON_SEEDS_FILE"`
	FileEnv       string        `yaml:"seedsEnv" env:"AERON_SEEDS_ENV"`

	// Persistence and bootstrap
	DataDir           string `yaml:"dataDir" env:"AERON_DATA_DIR"` // empty means in-memory
	Bootstrap         bool   `yaml:"bootstrap" env:"AERON_BOOTSTRAP"`
	SnapshotsRetained int    `yaml:"snapshotsRetained" env:"AERON_SNAPSHOTS_RETAINED"`

	// Timer tick resolution on the leader. Zero means 50ms.
	TickInterval Duration `yaml:"tickInterval" env:"AERON_TICK_INTERVAL"`

	// TLS (optional) for management API and gateway
	TLSEnable     bool   `yaml:"tlsEnable" env:"AERON_TLS_ENABLE"`
	TLSCA         string `yaml:"tlsCa" env:"AERON_TLS_CA"`
	TLSCert       string `yaml:"tlsCert" env:"AERON_TLS_CERT"`
	TLSKey        string `yaml:"tlsKey" env:"AERON_TLS_KEY"`
	TLSServerName string `yaml:"tlsServerName" env:"AERON_TLS_SERVER_NAME"`
	TLSSkipVerify bool   `yaml:"tlsSkipVerify" env:"AERON_TLS_SKIP_VERIFY"`

	// Observability
	LogJSON     bool `yaml:"logJson" env:"AERON_LOG_JSON"`
	TraceEnable bool `yaml:"traceEnable" env:"AERON_TRACE_ENABLE"`

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger `yaml:"-"`

	// Service is the application state machine hosted by the container
	// (required, set programmatically).
	Service service.Service `yaml:"-"`

	// OnLeaderChange is invoked on every observed leadership change.
	OnLeaderChange func(info engine.LeaderInfo) `yaml:"-"`
}

// Load reads a YAML config file (when path is non-empty) and then applies
// AERON_* environment variable overrides on top.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("bootstrap: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("bootstrap: parse config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("bootstrap: env overrides: %w", err)
	}
	return cfg, nil
}

// Validate checks the minimum required configuration for Build.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("bootstrap: empty NodeID")
	}
	if c.Service == nil {
		return fmt.Errorf("bootstrap: nil Service")
	}
	switch c.MgmtProto {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("bootstrap: unknown MgmtProto %q", c.MgmtProto)
	}
	switch c.DiscoveryKind {
	case "", "static", "dns", "file":
	default:
		return fmt.Errorf("bootstrap: unknown DiscoveryKind %q", c.DiscoveryKind)
	}
	return nil
}
