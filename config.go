package realtime

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/goccy/go-yaml"
)

const (
	DefaultModel       = "gpt-realtime"
	DefaultVoice       = "alloy"
	DefaultTemperature = 0.8
	DefaultLogLevel    = "warn"
	DefaultTimeout     = 30 * time.Second
	DefaultBaseURL     = "https://api.openai.com/v1"
)

type VideoSettings struct {
	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
	FrameRate int `yaml:"frame_rate"`
}

var defaultVideo = VideoSettings{Width: 640, Height: 480, FrameRate: 30}

// Config is the SDK configuration held by a ConfigStore.
type Config struct {
	Model        string
	Voice        string
	Temperature  *float64
	Instructions string
	Modalities   []Modality

	// FetchSessionConfig obtains the ephemeral token and ICE servers. When nil,
	// SessionConfigURL is fetched over HTTP instead.
	FetchSessionConfig SessionConfigFetcher
	SessionConfigURL   string
	// NegotiationURL receives the JSON offer. When empty the offer is posted
	// directly to BaseURL's /realtime/calls endpoint.
	NegotiationURL string
	BaseURL        string

	LogLevel string
	// Timeout bounds the HTTP session-config fetch.
	Timeout time.Duration

	Video          VideoSettings
	CameraPosition CameraPosition
}

func (c Config) clone() Config {
	out := c
	if c.Temperature != nil {
		t := *c.Temperature
		out.Temperature = &t
	}
	out.Modalities = slices.Clone(c.Modalities)
	return out
}

// Params returns the session parameters carried by the configuration.
func (c Config) Params() SessionParameters {
	return SessionParameters{
		Model:        c.Model,
		Voice:        c.Voice,
		Temperature:  c.Temperature,
		Instructions: c.Instructions,
		Modalities:   slices.Clone(c.Modalities),
	}.clone()
}

func defaultConfig() Config {
	return Config{
		Model:          DefaultModel,
		Voice:          DefaultVoice,
		Temperature:    Ptr(DefaultTemperature),
		Modalities:     []Modality{ModalityAudio},
		BaseURL:        DefaultBaseURL,
		LogLevel:       DefaultLogLevel,
		Timeout:        DefaultTimeout,
		Video:          defaultVideo,
		CameraPosition: CameraFront,
	}
}

// ConfigStore holds the configuration shared by every component of an SDK
// instance. It is safe for concurrent use.
type ConfigStore struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{}
}

// validTemperature reports whether t lies in [0, 1]. NaN does not.
func validTemperature(t float64) bool { return t >= 0 && t <= 1 }

// Init validates cfg and merges it over the current configuration (or the
// defaults on first call). A model, voice or temperature equal to its default
// does not overwrite an earlier non-default choice.
func (s *ConfigStore) Init(cfg Config) error {
	if cfg.Temperature != nil {
		if t := *cfg.Temperature; !validTemperature(t) {
			return &shared.ConfigurationError{
				Message: fmt.Sprintf("temperature %v", t),
				Err:     shared.ErrTemperatureRange,
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	base := defaultConfig()
	if s.cfg != nil {
		base = s.cfg.clone()
	}
	merged := mergeConfig(base, cfg.clone())
	if merged.FetchSessionConfig == nil && merged.SessionConfigURL == "" {
		return &shared.ConfigurationError{Err: shared.ErrNoFetchMechanism}
	}
	s.cfg = &merged
	return nil
}

// Get returns a copy of the configuration.
func (s *ConfigStore) Get() (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return Config{}, &shared.ConfigurationError{
			Message: "call Init before using the SDK",
			Err:     shared.ErrNotInitialized,
		}
	}
	return s.cfg.clone(), nil
}

func (s *ConfigStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg != nil
}

// Reset forgets the configuration. Intended for test teardown.
func (s *ConfigStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = nil
}

func mergeConfig(prev, next Config) Config {
	out := prev
	out.Model = preserve(prev.Model, next.Model, DefaultModel)
	out.Voice = preserve(prev.Voice, next.Voice, DefaultVoice)
	switch {
	case next.Temperature == nil:
	case *next.Temperature == DefaultTemperature && prev.Temperature != nil && *prev.Temperature != DefaultTemperature:
	default:
		out.Temperature = next.Temperature
	}
	if next.Instructions != "" {
		out.Instructions = next.Instructions
	}
	if next.Modalities != nil {
		out.Modalities = dedupModalities(next.Modalities)
	}
	if next.FetchSessionConfig != nil {
		out.FetchSessionConfig = next.FetchSessionConfig
	}
	if next.SessionConfigURL != "" {
		out.SessionConfigURL = next.SessionConfigURL
	}
	if next.NegotiationURL != "" {
		out.NegotiationURL = next.NegotiationURL
	}
	if next.BaseURL != "" {
		out.BaseURL = next.BaseURL
	}
	if next.LogLevel != "" {
		out.LogLevel = next.LogLevel
	}
	if next.Timeout > 0 {
		out.Timeout = next.Timeout
	}
	if next.Video.Width > 0 {
		out.Video.Width = next.Video.Width
	}
	if next.Video.Height > 0 {
		out.Video.Height = next.Video.Height
	}
	if next.Video.FrameRate > 0 {
		out.Video.FrameRate = next.Video.FrameRate
	}
	if next.CameraPosition != "" {
		out.CameraPosition = next.CameraPosition
	}
	return out
}

func preserve(prev, next, def string) string {
	switch {
	case next == "":
		return prev
	case next == def && prev != "" && prev != def:
		return prev
	default:
		return next
	}
}

var defaultStore = NewConfigStore()

// DefaultStore returns the process-wide store used by the package-level functions.
func DefaultStore() *ConfigStore { return defaultStore }

func Init(cfg Config) error { return defaultStore.Init(cfg) }

func GetConfig() (Config, error) { return defaultStore.Get() }

func IsInitialized() bool { return defaultStore.IsInitialized() }

func Reset() { defaultStore.Reset() }

type fileConfig struct {
	Model            string        `yaml:"model"`
	Voice            string        `yaml:"voice"`
	Temperature      *float64      `yaml:"temperature"`
	Instructions     string        `yaml:"instructions"`
	Modalities       []Modality    `yaml:"modalities"`
	SessionConfigURL string        `yaml:"session_config_url"`
	NegotiationURL   string        `yaml:"negotiation_url"`
	BaseURL          string        `yaml:"base_url"`
	LogLevel         string        `yaml:"log_level"`
	Timeout          string        `yaml:"timeout"`
	Video            VideoSettings `yaml:"video"`
	CameraPosition   string        `yaml:"camera_position"`
}

// LoadConfigFile reads a YAML configuration file. The result still has to be
// passed to Init.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfigYAML(data)
}

func ParseConfigYAML(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, &shared.ConfigurationError{Message: "parsing yaml", Err: err}
	}
	cfg := Config{
		Model:            fc.Model,
		Voice:            fc.Voice,
		Temperature:      fc.Temperature,
		Instructions:     fc.Instructions,
		Modalities:       fc.Modalities,
		SessionConfigURL: fc.SessionConfigURL,
		NegotiationURL:   fc.NegotiationURL,
		BaseURL:          fc.BaseURL,
		LogLevel:         fc.LogLevel,
		Video:            fc.Video,
		CameraPosition:   CameraPosition(fc.CameraPosition),
	}
	if fc.Timeout != "" {
		d, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return Config{}, &shared.ConfigurationError{Message: "parsing timeout", Err: err}
		}
		cfg.Timeout = d
	}
	switch cfg.CameraPosition {
	case "", CameraFront, CameraBack:
	default:
		return Config{}, &shared.ConfigurationError{Message: fmt.Sprintf("unknown camera position %q", fc.CameraPosition)}
	}
	return cfg, nil
}
