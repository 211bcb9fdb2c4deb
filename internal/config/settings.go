package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Settings are the per-event knobs. A snapshot is taken once per inbound
// event and passed to every component that needs it.
type Settings struct {
	Model          string
	FallbackModels []string
	MaxRetries     int
	RetryDelay     time.Duration

	MaxContextLength int
	// TrimOnRotate trims a conversation log to its last MaxContextLength
	// entries whenever the scope's update counter rotates.
	TrimOnRotate bool

	AIName   string
	Keywords []string
	Muted    bool

	DefaultReplyProbability float64
	Cooldown                time.Duration

	ReplyInterval    time.Duration
	ImageProbability float64
	PokeProbability  float64
	DecorationsDir   string

	DefaultPersona  string
	LedgerRetention time.Duration
}

// DefaultSettings mirrors what a fresh deployment runs with.
func DefaultSettings() Settings {
	return Settings{
		Model:                   "gemini-2.0-flash",
		FallbackModels:          []string{"gemini-2.0-pro-exp-02-05"},
		MaxRetries:              2,
		RetryDelay:              5 * time.Second,
		MaxContextLength:        20,
		TrimOnRotate:            true,
		AIName:                  "Chorus",
		Keywords:                []string{"Chorus"},
		DefaultReplyProbability: 0.99,
		Cooldown:                3 * time.Second,
		ReplyInterval:           3 * time.Second,
		ImageProbability:        0,
		PokeProbability:         0.15,
		DefaultPersona:          "default",
		LedgerRetention:         time.Hour,
	}
}

func (s Settings) clone() Settings {
	out := s
	out.FallbackModels = append([]string(nil), s.FallbackModels...)
	out.Keywords = append([]string(nil), s.Keywords...)
	return out
}

func (s Settings) validate() error {
	if strings.TrimSpace(s.Model) == "" {
		return errors.New("model must not be empty")
	}
	if s.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if s.RetryDelay < 0 {
		return errors.New("retry_delay must be >= 0")
	}
	if s.MaxContextLength <= 0 {
		return errors.New("max_context_length must be positive")
	}
	for name, p := range map[string]float64{
		"default_reply_probability": s.DefaultReplyProbability,
		"image_probability":         s.ImageProbability,
		"poke_probability":          s.PokeProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, p)
		}
	}
	return nil
}

// SettingsSource owns the settings file. Reads never touch the file;
// only Reload does.
type SettingsSource struct {
	mu      sync.RWMutex
	path    string
	current Settings
}

// NewSettingsSource loads path (YAML, JSON or TOML by extension). A missing
// file yields DefaultSettings.
func NewSettingsSource(path string) (*SettingsSource, error) {
	src := &SettingsSource{path: strings.TrimSpace(path)}
	if _, err := src.Reload(); err != nil {
		return nil, err
	}
	return src, nil
}

// Current returns the active snapshot.
func (s *SettingsSource) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Path is the settings file location, possibly nonexistent.
func (s *SettingsSource) Path() string { return s.path }

// Reload re-reads the file. On error the previous snapshot stays active.
func (s *SettingsSource) Reload() (Settings, error) {
	next, err := readSettings(s.path)
	if err != nil {
		return Settings{}, err
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next.clone(), nil
}

func readSettings(path string) (Settings, error) {
	def := DefaultSettings()

	v := viper.New()
	v.SetDefault("model", def.Model)
	v.SetDefault("fallback_models", def.FallbackModels)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("retry_delay", def.RetryDelay)
	v.SetDefault("max_context_length", def.MaxContextLength)
	v.SetDefault("trim_on_rotate", def.TrimOnRotate)
	v.SetDefault("ai_name", def.AIName)
	v.SetDefault("keywords", def.Keywords)
	v.SetDefault("muted", def.Muted)
	v.SetDefault("default_reply_probability", def.DefaultReplyProbability)
	v.SetDefault("cooldown", def.Cooldown)
	v.SetDefault("reply_interval", def.ReplyInterval)
	v.SetDefault("image_probability", def.ImageProbability)
	v.SetDefault("poke_probability", def.PokeProbability)
	v.SetDefault("decorations_dir", def.DecorationsDir)
	v.SetDefault("default_persona", def.DefaultPersona)
	v.SetDefault("ledger_retention", def.LedgerRetention)

	v.SetEnvPrefix("CHORUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("stat settings %s: %w", path, err)
		}
	}

	s := Settings{
		Model:                   strings.TrimSpace(v.GetString("model")),
		FallbackModels:          cleanList(v.GetStringSlice("fallback_models")),
		MaxRetries:              v.GetInt("max_retries"),
		RetryDelay:              v.GetDuration("retry_delay"),
		MaxContextLength:        v.GetInt("max_context_length"),
		TrimOnRotate:            v.GetBool("trim_on_rotate"),
		AIName:                  strings.TrimSpace(v.GetString("ai_name")),
		Keywords:                cleanList(v.GetStringSlice("keywords")),
		Muted:                   v.GetBool("muted"),
		DefaultReplyProbability: v.GetFloat64("default_reply_probability"),
		Cooldown:                v.GetDuration("cooldown"),
		ReplyInterval:           v.GetDuration("reply_interval"),
		ImageProbability:        v.GetFloat64("image_probability"),
		PokeProbability:         v.GetFloat64("poke_probability"),
		DecorationsDir:          strings.TrimSpace(v.GetString("decorations_dir")),
		DefaultPersona:          strings.TrimSpace(v.GetString("default_persona")),
		LedgerRetention:         v.GetDuration("ledger_retention"),
	}
	if s.AIName == "" {
		s.AIName = def.AIName
	}
	if s.DefaultPersona == "" {
		s.DefaultPersona = def.DefaultPersona
	}
	if err := s.validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
