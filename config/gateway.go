package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/floodgate/internal/schema"
	"github.com/coachpo/floodgate/internal/throttle"
	"gopkg.in/yaml.v3"
)

// GatewayConfig captures the floodgate service configuration tree.
type GatewayConfig struct {
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Source    SourceConfig    `yaml:"source"`
	Gate      GateConfig      `yaml:"gate"`
	Journal   JournalConfig   `yaml:"journal"`
	Control   ControlConfig   `yaml:"control"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ThrottleConfig sets the admission window applied per key.
type ThrottleConfig struct {
	Window int64 `yaml:"window"`
}

// SourceConfig selects and configures the event source feeding the gate.
type SourceConfig struct {
	Kind      string          `yaml:"kind"`
	Generator GeneratorConfig `yaml:"generator"`
	Websocket WebsocketConfig `yaml:"websocket"`
}

// GeneratorConfig tunes the synthetic event generator.
type GeneratorConfig struct {
	EventsPerSecond float64  `yaml:"eventsPerSecond"`
	Keys            []string `yaml:"keys"`
}

// WebsocketConfig declares websocket source connectivity.
type WebsocketConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
}

// UnmarshalYAML decodes websocket settings, accepting handshakeTimeout as a
// Go duration string ("10s") or a bare integer of seconds.
func (c *WebsocketConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		URL              string `yaml:"url"`
		HandshakeTimeout string `yaml:"handshakeTimeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.URL = raw.URL

	text := strings.TrimSpace(raw.HandshakeTimeout)
	if text == "" {
		c.HandshakeTimeout = 0
		return nil
	}
	if seconds, err := strconv.Atoi(text); err == nil {
		if seconds < 0 {
			return fmt.Errorf("handshakeTimeout: negative value %q", raw.HandshakeTimeout)
		}
		c.HandshakeTimeout = time.Duration(seconds) * time.Second
		return nil
	}
	dur, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("handshakeTimeout: invalid value %q", raw.HandshakeTimeout)
	}
	if dur < 0 {
		return fmt.Errorf("handshakeTimeout: negative value %q", raw.HandshakeTimeout)
	}
	c.HandshakeTimeout = dur
	return nil
}

// GateConfig tunes the admission pipeline.
type GateConfig struct {
	Buffer int    `yaml:"buffer"`
	Script string `yaml:"script"`
}

// JournalConfig controls the optional admission journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// ControlConfig configures the control-plane HTTP listener.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// DefaultGatewayConfig returns the configuration used when no file is present.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Throttle: ThrottleConfig{Window: throttle.DefaultWindow},
		Source: SourceConfig{
			Kind: string(SourceGenerator),
			Generator: GeneratorConfig{
				EventsPerSecond: 50,
				Keys:            []string{"alpha", "beta", "gamma", "delta"},
			},
			Websocket: WebsocketConfig{
				URL:              "",
				HandshakeTimeout: 10 * time.Second,
			},
		},
		Gate:    GateConfig{Buffer: 256, Script: ""},
		Journal: JournalConfig{Enabled: false, DSN: ""},
		Control: ControlConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "floodgate",
		},
	}
}

// LoadGatewayConfig loads a gateway configuration YAML document from disk.
//
// An empty path falls back to FLOODGATE_CONFIG and then the default
// config/floodgate.yaml location. A missing file at the default location is
// not an error; the built-in defaults are returned instead.
func LoadGatewayConfig(ctx context.Context, path string) (GatewayConfig, error) {
	path = strings.TrimSpace(path)
	explicit := path != ""
	if path == "" {
		path = strings.TrimSpace(os.Getenv("FLOODGATE_CONFIG"))
		explicit = path != ""
	}
	if path == "" {
		path = "config/floodgate.yaml"
	}

	reader, closer, err := openGatewayFile(path, explicit)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return DefaultGatewayConfig(), nil
		}
		return GatewayConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return GatewayConfig{}, fmt.Errorf("read gateway config: %w", err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("unmarshal gateway config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(ctx); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded configuration.
func (c GatewayConfig) Validate(ctx context.Context) error {
	_ = ctx
	if c.Throttle.Window <= 0 {
		return fmt.Errorf("throttle window must be >0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Source.Kind)) {
	case string(SourceGenerator):
		if c.Source.Generator.EventsPerSecond <= 0 {
			return fmt.Errorf("source generator eventsPerSecond must be >0")
		}
		if len(c.Source.Generator.Keys) == 0 {
			return fmt.Errorf("source generator keys required")
		}
		for i, key := range c.Source.Generator.Keys {
			if err := schema.ValidateKey(key); err != nil {
				return fmt.Errorf("source generator keys[%d]: %w", i, err)
			}
		}
	case string(SourceWebsocket):
		if strings.TrimSpace(c.Source.Websocket.URL) == "" {
			return fmt.Errorf("source websocket url required")
		}
		if c.Source.Websocket.HandshakeTimeout <= 0 {
			return fmt.Errorf("source websocket handshakeTimeout must be >0")
		}
	default:
		return fmt.Errorf("source kind must be generator|websocket")
	}
	if c.Gate.Buffer <= 0 {
		return fmt.Errorf("gate buffer must be >0")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.DSN) == "" {
		return fmt.Errorf("journal dsn required when journal enabled")
	}
	if strings.TrimSpace(c.Control.Addr) == "" {
		return fmt.Errorf("control addr required")
	}
	return nil
}

func (c *GatewayConfig) applyDefaults() {
	def := DefaultGatewayConfig()
	if c.Throttle.Window <= 0 {
		c.Throttle.Window = def.Throttle.Window
	}
	if strings.TrimSpace(c.Source.Kind) == "" {
		c.Source.Kind = def.Source.Kind
	}
	if c.Source.Generator.EventsPerSecond <= 0 {
		c.Source.Generator.EventsPerSecond = def.Source.Generator.EventsPerSecond
	}
	if len(c.Source.Generator.Keys) == 0 {
		c.Source.Generator.Keys = append([]string(nil), def.Source.Generator.Keys...)
	}
	if c.Source.Websocket.HandshakeTimeout <= 0 {
		c.Source.Websocket.HandshakeTimeout = def.Source.Websocket.HandshakeTimeout
	}
	if c.Gate.Buffer <= 0 {
		c.Gate.Buffer = def.Gate.Buffer
	}
	if strings.TrimSpace(c.Control.Addr) == "" {
		c.Control.Addr = def.Control.Addr
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

// openGatewayFile opens the configuration file. A missing file at the probed
// default location falls through to the checked-in example; explicit paths
// never fall back.
func openGatewayFile(path string, explicit bool) (io.Reader, func(), error) {
	safePath := filepath.Clean(path)
	file, err := os.Open(safePath) // #nosec G304 -- configuration paths are controlled by operators.
	if err == nil {
		return file, func() { _ = file.Close() }, nil
	}
	if explicit || !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("open gateway config: %w", err)
	}
	fallback, err := os.Open("config/floodgate.example.yaml")
	if err != nil {
		return nil, nil, fmt.Errorf("open gateway config: %w", err)
	}
	return fallback, func() { _ = fallback.Close() }, nil
}
