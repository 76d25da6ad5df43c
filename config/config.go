// Package config centralises runtime configuration helpers for floodgate services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where floodgate operates.
type Environment string

// SourceKind names a supported event source implementation.
type SourceKind string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// SourceGenerator represents the synthetic event generator.
	SourceGenerator SourceKind = "generator"
	// SourceWebsocket represents the websocket event source.
	SourceWebsocket SourceKind = "websocket"
)

// WebsocketSettings configures websocket connectivity for event sources.
type WebsocketSettings struct {
	URL string
}

// SourceSettings aggregates transport and pacing configuration for one source kind.
type SourceSettings struct {
	Websocket        WebsocketSettings
	EventsPerSecond  float64
	KeyPopulation    int
	HandshakeTimeout time.Duration
	ReconnectMax     time.Duration
}

// Settings contains the floodgate configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	Window      int64
	Sources     map[SourceKind]SourceSettings
}

// Default returns the default floodgate configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Window:      10,
		Sources: map[SourceKind]SourceSettings{
			SourceGenerator: {
				Websocket:        WebsocketSettings{URL: ""},
				EventsPerSecond:  50,
				KeyPopulation:    8,
				HandshakeTimeout: 0,
				ReconnectMax:     0,
			},
			SourceWebsocket: {
				Websocket:        WebsocketSettings{URL: "ws://127.0.0.1:9443/events"},
				EventsPerSecond:  0,
				KeyPopulation:    0,
				HandshakeTimeout: 10 * time.Second,
				ReconnectMax:     2 * time.Minute,
			},
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("FLOODGATE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("FLOODGATE_WINDOW")); v != "" {
		if window, err := strconv.ParseInt(v, 10, 64); err == nil && window > 0 {
			cfg.Window = window
		}
	}

	ws := cfg.Sources[SourceWebsocket]
	if v := strings.TrimSpace(os.Getenv("FLOODGATE_WS_URL")); v != "" {
		ws.Websocket.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("FLOODGATE_WS_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			ws.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("FLOODGATE_WS_RECONNECT_MAX")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			ws.ReconnectMax = dur
		}
	}
	cfg.Sources[SourceWebsocket] = ws

	gen := cfg.Sources[SourceGenerator]
	if v := strings.TrimSpace(os.Getenv("FLOODGATE_GEN_RATE")); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate > 0 {
			gen.EventsPerSecond = rate
		}
	}
	if v := strings.TrimSpace(os.Getenv("FLOODGATE_GEN_KEYS")); v != "" {
		if keys, err := strconv.Atoi(v); err == nil && keys > 0 {
			gen.KeyPopulation = keys
		}
	}
	cfg.Sources[SourceGenerator] = gen

	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Source returns the source-specific configuration if present.
func (s Settings) Source(name SourceKind) (SourceSettings, bool) {
	if len(s.Sources) == 0 {
		return emptySourceSettings(), false
	}
	key := SourceKind(normalizeSourceName(string(name)))
	cfg, ok := s.Sources[key]
	if !ok {
		return emptySourceSettings(), false
	}
	return cfg, true
}

// DefaultSourceSettings exposes the default configuration snapshot for a source kind.
func DefaultSourceSettings(name SourceKind) (SourceSettings, bool) {
	def := Default()
	cfg, ok := def.Sources[SourceKind(normalizeSourceName(string(name)))]
	if !ok {
		return emptySourceSettings(), false
	}
	return cfg, true
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithWindow overrides the default admission window measured in ticks.
func WithWindow(window int64) Option {
	return func(s *Settings) {
		if window > 0 {
			s.Window = window
		}
	}
}

// WithSourceWebsocketEndpoint overrides the websocket endpoint for the given source.
func WithSourceWebsocketEndpoint(source, url string, handshake time.Duration) Option {
	url = strings.TrimSpace(url)
	return mutateSourceOption(source, func(ss *SourceSettings) {
		if url != "" {
			ss.Websocket.URL = url
		}
		if handshake > 0 {
			ss.HandshakeTimeout = handshake
		}
	})
}

// WithWebsocketEndpoint overrides the websocket source endpoint and handshake timeout.
func WithWebsocketEndpoint(url string, handshake time.Duration) Option {
	return WithSourceWebsocketEndpoint(string(SourceWebsocket), url, handshake)
}

// WithWebsocketReconnectMax bounds the websocket source reconnect backoff.
func WithWebsocketReconnectMax(max time.Duration) Option {
	return mutateSourceOption(string(SourceWebsocket), func(ss *SourceSettings) {
		if max > 0 {
			ss.ReconnectMax = max
		}
	})
}

// WithGeneratorRate overrides the synthetic generator event rate.
func WithGeneratorRate(perSecond float64) Option {
	return mutateSourceOption(string(SourceGenerator), func(ss *SourceSettings) {
		if perSecond > 0 {
			ss.EventsPerSecond = perSecond
		}
	})
}

// WithGeneratorKeyPopulation sets how many distinct keys the generator emits.
func WithGeneratorKeyPopulation(keys int) Option {
	return mutateSourceOption(string(SourceGenerator), func(ss *SourceSettings) {
		if keys > 0 {
			ss.KeyPopulation = keys
		}
	})
}

func mutateSourceOption(source string, fn func(*SourceSettings)) Option {
	key := SourceKind(normalizeSourceName(source))
	if string(key) == "" || fn == nil {
		return func(*Settings) {}
	}
	return func(s *Settings) {
		if s.Sources == nil {
			s.Sources = make(map[SourceKind]SourceSettings)
		}
		cfg, ok := s.Sources[key]
		if !ok {
			cfg = emptySourceSettings()
		}
		fn(&cfg)
		s.Sources[key] = cfg
	}
}

func (s Settings) clone() Settings {
	clone := Settings{
		Environment: s.Environment,
		Window:      s.Window,
		Sources:     cloneSourceSettingsMap(s.Sources),
	}
	return clone
}

func cloneSourceSettingsMap(src map[SourceKind]SourceSettings) map[SourceKind]SourceSettings {
	if len(src) == 0 {
		return make(map[SourceKind]SourceSettings)
	}
	out := make(map[SourceKind]SourceSettings, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func emptySourceSettings() SourceSettings {
	return SourceSettings{
		Websocket:        WebsocketSettings{URL: ""},
		EventsPerSecond:  0,
		KeyPopulation:    0,
		HandshakeTimeout: 0,
		ReconnectMax:     0,
	}
}

func normalizeSourceName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
