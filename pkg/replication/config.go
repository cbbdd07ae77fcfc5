package replication

import (
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-changelog/pkg/tls"
	"github.com/dd0wney/cluso-changelog/pkg/validation"
)

// Changelog backends selectable with DBImplementation.
const (
	DBFile     = "file"
	DBMemory   = "memory"
	DBPostgres = "postgres"
)

// Monitor publisher transports.
const (
	TransportNNG = "nng"
	TransportZMQ = "zmq"
)

// ServerConfig configures a replication server. Every field except the
// changelog location can change while the server runs; see
// ReplicationServer.ApplyConfigurationChange.
type ServerConfig struct {
	ServerID uint16 `yaml:"server_id" validate:"required"`
	// ListenAddr is the replication port, host:port.
	ListenAddr string `yaml:"listen_addr" validate:"required,hostport"`
	// ServerURL is the address advertised to peers. Defaults to the
	// bound listen address.
	ServerURL string `yaml:"server_url" validate:"omitempty,hostport"`
	// SourceAddress binds outbound connections to a local address.
	SourceAddress string `yaml:"source_address"`
	// Peers lists the other replication servers of the topology.
	Peers   []string `yaml:"replication_servers" validate:"dive,hostport"`
	BaseDNs []string `yaml:"base_dns" validate:"dive,basedn"`

	GroupID                 uint8         `yaml:"group_id"`
	Weight                  int           `yaml:"weight"`
	QueueSize               int           `yaml:"queue_size"`
	WindowSize              int           `yaml:"window_size"`
	DegradedStatusThreshold int           `yaml:"degraded_status_threshold"`
	MonitoringPeriod        time.Duration `yaml:"monitoring_period"`

	PurgeDelay          time.Duration `yaml:"purge_delay"`
	ComputeChangeNumber bool          `yaml:"compute_change_number"`
	DBImplementation    string        `yaml:"db_implementation"`
	DBDirectory         string        `yaml:"db_directory"`
	DBURL               string        `yaml:"db_url"`
	DBCompress          bool          `yaml:"db_compress"`

	ConnectInterval   time.Duration `yaml:"connect_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	TLS tls.Config `yaml:"tls"`

	// MonitorPublishAddr enables the monitoring publisher, for example
	// tcp://127.0.0.1:8990.
	MonitorPublishAddr string `yaml:"monitor_publish_addr"`
	MonitorTransport   string `yaml:"monitor_transport"`
}

// DefaultServerConfig returns the configuration defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:              "0.0.0.0:8989",
		GroupID:                 1,
		Weight:                  1,
		QueueSize:               10000,
		WindowSize:              100000,
		DegradedStatusThreshold: 5000,
		MonitoringPeriod:        60 * time.Second,
		PurgeDelay:              72 * time.Hour,
		ComputeChangeNumber:     true,
		DBImplementation:        DBFile,
		DBDirectory:             "changelogDb",
		ConnectInterval:         time.Second,
		ConnectTimeout:          5 * time.Second,
		HandshakeTimeout:        10 * time.Second,
		HeartbeatInterval:       10 * time.Second,
		TLS:                     tls.DefaultConfig(),
		MonitorTransport:        TransportNNG,
	}
}

// ApplyDefaults fills zero-valued fields that have no meaningful zero.
func (c *ServerConfig) ApplyDefaults() {
	d := DefaultServerConfig()

	c.ListenAddr = validation.DefaultOr(c.ListenAddr, d.ListenAddr)
	c.GroupID = validation.DefaultOr(c.GroupID, d.GroupID)
	c.Weight = validation.DefaultOrInt(c.Weight, d.Weight)
	c.QueueSize = validation.DefaultOrInt(c.QueueSize, d.QueueSize)
	c.WindowSize = validation.DefaultOrInt(c.WindowSize, d.WindowSize)
	c.DegradedStatusThreshold = validation.DefaultOrInt(c.DegradedStatusThreshold, d.DegradedStatusThreshold)
	c.MonitoringPeriod = validation.DefaultOrDuration(c.MonitoringPeriod, d.MonitoringPeriod)
	c.DBImplementation = validation.DefaultOr(c.DBImplementation, d.DBImplementation)
	c.DBDirectory = validation.DefaultOr(c.DBDirectory, d.DBDirectory)
	c.ConnectInterval = validation.DefaultOrDuration(c.ConnectInterval, d.ConnectInterval)
	c.ConnectTimeout = validation.DefaultOrDuration(c.ConnectTimeout, d.ConnectTimeout)
	c.HandshakeTimeout = validation.DefaultOrDuration(c.HandshakeTimeout, d.HandshakeTimeout)
	c.MonitorTransport = validation.DefaultOr(c.MonitorTransport, d.MonitorTransport)
}

// Validate checks struct tags, then the rules spanning several fields.
func (c *ServerConfig) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	v := validation.NewConfigValidator("ServerConfig")
	v.RangeInt("Weight", c.Weight, 1, 1<<20).
		RangeInt("QueueSize", c.QueueSize, 1, 1<<24).
		RangeInt("WindowSize", c.WindowSize, 2, 1<<24).
		Positive("DegradedStatusThreshold", c.DegradedStatusThreshold).
		MinDuration("MonitoringPeriod", c.MonitoringPeriod, 10*time.Millisecond).
		NonNegativeDuration("PurgeDelay", c.PurgeDelay).
		MinDuration("ConnectInterval", c.ConnectInterval, 10*time.Millisecond).
		MinDuration("ConnectTimeout", c.ConnectTimeout, 10*time.Millisecond).
		MinDuration("HandshakeTimeout", c.HandshakeTimeout, 10*time.Millisecond).
		NonNegativeDuration("HeartbeatInterval", c.HeartbeatInterval).
		OneOf("DBImplementation", c.DBImplementation, DBFile, DBMemory, DBPostgres).
		OneOf("MonitorTransport", c.MonitorTransport, TransportNNG, TransportZMQ).
		When(c.DBImplementation == DBFile, func(cv *validation.ConfigValidator) {
			cv.Required("DBDirectory", c.DBDirectory)
		}).
		When(c.DBImplementation == DBPostgres, func(cv *validation.ConfigValidator) {
			cv.Required("DBURL", c.DBURL)
		}).
		When(c.SourceAddress != "", func(cv *validation.ConfigValidator) {
			cv.Custom("SourceAddress", func() error {
				if net.ParseIP(c.SourceAddress) == nil {
					return fmt.Errorf("%q is not an IP address", c.SourceAddress)
				}
				return nil
			})
		}).
		Custom("TLS", c.TLS.Validate)

	return v.Validate()
}

// Clone returns a deep copy.
func (c ServerConfig) Clone() ServerConfig {
	c.Peers = slices.Clone(c.Peers)
	c.BaseDNs = slices.Clone(c.BaseDNs)
	c.TLS.Hosts = slices.Clone(c.TLS.Hosts)
	return c
}

// HeartbeatTimeout is how long a silent peer is tolerated before its
// session is closed: three missed heartbeats.
func HeartbeatTimeout(interval time.Duration) time.Duration {
	return 3 * interval
}

// LoadServerConfig reads a YAML configuration file over the defaults,
// then applies defaults and validates the result.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
