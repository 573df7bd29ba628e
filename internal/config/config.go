// Package config loads the YAML configuration of a weft daemon and turns it
// into node options.
package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/weft"
	"github.com/raskyld/weft/pkg/ids"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
	ErrTLS           = errors.New("config: could not load TLS credentials")
)

type Config struct {
	NodeID     string   `yaml:"node_id"`
	Hostname   string   `yaml:"hostname"`
	Listen     Endpoint `yaml:"listen"`
	Advertise  Endpoint `yaml:"advertise"`
	Neighbours []string `yaml:"neighbours"`
	TLS        TLS      `yaml:"tls"`
	Log        Log      `yaml:"log"`
	Metrics    Metrics  `yaml:"metrics"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	MaxInstances int           `yaml:"max_instances"`
	InboxSize    uint          `yaml:"inbox_size"`
	OutboxSize   uint          `yaml:"outbox_size"`
	Tombstones   int           `yaml:"tombstones"`

	// PeersFile is a static peers list, see `PeersWatcher`.
	PeersFile string `yaml:"peers_file"`
}

type Endpoint struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

type TLS struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type Metrics struct {
	Labels map[string]string `yaml:"labels"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Listen: Endpoint{
			Addr: "0.0.0.0",
			Port: weft.DefaultPort,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		DialTimeout: 30 * time.Second,
		GracePeriod: 10 * time.Second,
	}
}

// Load reads and validates the configuration file at `path`.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return Parse(bytes.NewReader(raw))
}

// Parse decodes a YAML configuration on top of `Default`, unknown keys are
// rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.NodeID != "" {
		if _, err := ids.ParseNodeID(c.NodeID); err != nil {
			errs = append(errs, fmt.Errorf("node_id: %w", err))
		}
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port: %d out of range", c.Listen.Port))
	}
	if c.Advertise.Port < 0 || c.Advertise.Port > 65535 {
		errs = append(errs, fmt.Errorf("advertise.port: %d out of range", c.Advertise.Port))
	}
	if c.TLS.CA == "" || c.TLS.Cert == "" || c.TLS.Key == "" {
		errs = append(errs, errors.New("tls: ca, cert and key are required"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.DialTimeout < 0 || c.GracePeriod < 0 {
		errs = append(errs, errors.New("durations cannot be negative"))
	}
	if c.MaxInstances < 0 || c.Tombstones < 0 {
		errs = append(errs, errors.New("max_instances and tombstones cannot be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// LogHandler builds the handler described by the log section.
func (c *Config) LogHandler(w io.Writer) (slog.Handler, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.NewJSONHandler(w, opts), nil
	}
	return slog.NewTextHandler(w, opts), nil
}

// MetricLabels returns the static labels sorted by name.
func (c *Config) MetricLabels() []metrics.Label {
	labels := make([]metrics.Label, 0, len(c.Metrics.Labels))
	for name, value := range c.Metrics.Labels {
		labels = append(labels, metrics.Label{Name: name, Value: value})
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Name < labels[j].Name
	})
	return labels
}

// Options renders the configuration into node options, TLS credentials are
// read from disk.
func (c *Config) Options(handler slog.Handler) ([]weft.Option, error) {
	tlsConf, err := LoadTLS(c.TLS)
	if err != nil {
		return nil, err
	}

	opts := []weft.Option{
		weft.WithTlsConfig(tlsConf),
		weft.WithListenOn(c.Listen.Addr, c.Listen.Port),
		weft.WithHostname(c.Hostname),
		weft.WithNeighbours(c.Neighbours),
		weft.WithDialTimeout(c.DialTimeout),
		weft.WithGracePeriod(c.GracePeriod),
		weft.WithMaxInstances(c.MaxInstances),
		weft.WithInboxSize(c.InboxSize),
		weft.WithOutboxSize(c.OutboxSize),
		weft.WithTombstones(c.Tombstones),
	}
	if handler != nil {
		opts = append(opts, weft.WithLog(handler))
	}
	if c.Advertise.Addr != "" {
		opts = append(opts, weft.WithAdvertise(c.Advertise.Addr, c.Advertise.Port))
	}
	if c.NodeID != "" {
		id, err := ids.ParseNodeID(c.NodeID)
		if err != nil {
			return nil, fmt.Errorf("%w: node_id: %w", ErrInvalidConfig, err)
		}
		opts = append(opts, weft.WithNodeID(id))
	}
	if len(c.Metrics.Labels) > 0 {
		opts = append(opts, weft.WithMetricLabels(c.MetricLabels()))
	}
	return opts, nil
}

// LoadTLS builds a mTLS configuration, peers are verified against the CA
// bundle in both directions.
func LoadTLS(creds TLS) (*tls.Config, error) {
	keypair, err := tls.LoadX509KeyPair(creds.Cert, creds.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load client cert: %w", ErrTLS, err)
	}

	caBytes, err := os.ReadFile(creds.CA)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load CA: %w", ErrTLS, err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("%w: no certificate found in %s", ErrTLS, creds.CA)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// String is a one-line summary suitable for startup logs.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "listen=%s:%d", c.Listen.Addr, c.Listen.Port)
	if c.Hostname != "" {
		fmt.Fprintf(&sb, " hostname=%s", c.Hostname)
	}
	fmt.Fprintf(&sb, " neighbours=%d", len(c.Neighbours))
	if c.PeersFile != "" {
		fmt.Fprintf(&sb, " peers_file=%s", c.PeersFile)
	}
	return sb.String()
}
