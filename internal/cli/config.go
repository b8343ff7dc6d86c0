package cli

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/acceptq/internal/controller"
	"github.com/ChuLiYu/acceptq/internal/job"
	"github.com/ChuLiYu/acceptq/internal/worker"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count written in humanized form ("16KiB", "1 MB").
type ByteSize uint64

// UnmarshalYAML accepts both plain integers and humanized sizes.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML writes the size in IEC units.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		Listeners []ListenerConfig `yaml:"listeners"`
		StaticDir string           `yaml:"static_dir,omitempty"` // 靜態檔案目錄；空字串回應預設頁面
	} `yaml:"server"`

	Job struct {
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		KeepAliveTimeout time.Duration `yaml:"keepalive_timeout"`
		KeepAliveMax     int           `yaml:"keepalive_max"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		BufferSize       ByteSize      `yaml:"buffer_size"`
		MaxHeaderBytes   ByteSize      `yaml:"max_header_bytes"`
	} `yaml:"job"`

	Queue struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"queue"`

	Worker struct {
		MinWorkers int           `yaml:"min_workers"`
		MaxWorkers int           `yaml:"max_workers"`
		SpawnDelay time.Duration `yaml:"spawn_delay"`
	} `yaml:"worker"`

	Admin struct {
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"admin"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// ListenerConfig is one entry of server.listeners.
type ListenerConfig struct {
	Address string `yaml:"address"`
	TLS     struct {
		CertFile string `yaml:"cert_file,omitempty"`
		KeyFile  string `yaml:"key_file,omitempty"`
	} `yaml:"tls,omitempty"`
	AcceptJobs     int `yaml:"accept_jobs"`
	MaxConnections int `yaml:"max_connections,omitempty"`
}

// 預設值
const (
	defaultListenAddr   = ":8080"
	defaultAdminAddr    = "127.0.0.1:50051"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultHeaderLimit  = 1 << 20
	defaultMetricsPort  = controller.DefaultMetricsPort
	defaultQueueLength  = controller.DefaultQueueCapacity
	defaultAcceptJobs   = controller.DefaultAcceptJobs
	defaultConfigFile   = "configs/default.yaml"
	defaultShutdownWait = 30 * time.Second
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if len(c.Server.Listeners) == 0 {
		c.Server.Listeners = []ListenerConfig{{Address: defaultListenAddr}}
	}
	for i := range c.Server.Listeners {
		if c.Server.Listeners[i].AcceptJobs == 0 {
			c.Server.Listeners[i].AcceptJobs = defaultAcceptJobs
		}
	}

	d := job.DefaultConfig()
	if c.Job.ReadTimeout == 0 {
		c.Job.ReadTimeout = d.ReadTimeout
	}
	if c.Job.WriteTimeout == 0 {
		c.Job.WriteTimeout = d.WriteTimeout
	}
	if c.Job.KeepAliveTimeout == 0 {
		c.Job.KeepAliveTimeout = d.KeepAlive.KeepAliveTimeout()
	}
	if c.Job.KeepAliveMax == 0 {
		c.Job.KeepAliveMax = d.KeepAliveMax
	}
	if c.Job.HandshakeTimeout == 0 {
		c.Job.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.Job.BufferSize == 0 {
		c.Job.BufferSize = ByteSize(d.BufferSize)
	}
	if c.Job.MaxHeaderBytes == 0 {
		c.Job.MaxHeaderBytes = defaultHeaderLimit
	}

	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = defaultQueueLength
	}
	if c.Worker.MinWorkers == 0 {
		c.Worker.MinWorkers = worker.DefaultMinWorkers
	}
	if c.Worker.MaxWorkers == 0 {
		c.Worker.MaxWorkers = max(worker.DefaultMaxWorkers, c.Worker.MinWorkers)
	}
	if c.Worker.SpawnDelay == 0 {
		c.Worker.SpawnDelay = worker.DefaultSpawnDelay
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetricsPort
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Job.BufferSize > 1<<30 {
		return fmt.Errorf("job.buffer_size %s is too large", c.Job.BufferSize)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	_, err := c.controllerConfig(nil)
	return err
}

// controllerConfig converts the file configuration.
func (c *Config) controllerConfig(handler http.Handler) (controller.Config, error) {
	jc := job.Config{
		ReadTimeout:      c.Job.ReadTimeout,
		WriteTimeout:     c.Job.WriteTimeout,
		KeepAliveMax:     c.Job.KeepAliveMax,
		BufferSize:       int(c.Job.BufferSize),
		HandshakeTimeout: c.Job.HandshakeTimeout,
		KeepAlive:        job.FixedKeepAlive(c.Job.KeepAliveTimeout),
	}
	if err := jc.Validate(); err != nil {
		return controller.Config{}, err
	}
	if c.Job.KeepAliveTimeout < 0 {
		return controller.Config{}, errors.New("job.keepalive_timeout must not be negative")
	}

	listeners := make([]controller.ListenerConfig, 0, len(c.Server.Listeners))
	for _, l := range c.Server.Listeners {
		listeners = append(listeners, controller.ListenerConfig{
			Address:        l.Address,
			CertFile:       l.TLS.CertFile,
			KeyFile:        l.TLS.KeyFile,
			AcceptJobs:     l.AcceptJobs,
			MaxConnections: l.MaxConnections,
		})
	}

	cc := controller.Config{
		Listeners:      listeners,
		Job:            jc,
		QueueCapacity:  c.Queue.Capacity,
		MinWorkers:     c.Worker.MinWorkers,
		MaxWorkers:     c.Worker.MaxWorkers,
		SpawnDelay:     c.Worker.SpawnDelay,
		MaxHeaderBytes: int64(c.Job.MaxHeaderBytes),
		Handler:        handler,
		AdminAddr:      c.Admin.GRPCAddr,
		Metrics: controller.MetricsConfig{
			Enabled: c.Metrics.Enabled,
			Port:    c.Metrics.Port,
		},
	}
	if err := cc.Validate(); err != nil {
		return controller.Config{}, err
	}
	return cc, nil
}

// loadConfig reads path, applies defaults and validates. An empty path yields
// the defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// overrideListeners replaces the configured listeners with plain listeners on
// addrs.
func (c *Config) overrideListeners(addrs []string) {
	if len(addrs) == 0 {
		return
	}
	ls := make([]ListenerConfig, 0, len(addrs))
	for _, a := range addrs {
		ls = append(ls, ListenerConfig{Address: a, AcceptJobs: defaultAcceptJobs})
	}
	c.Server.Listeners = ls
}
