package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's runtime configuration. Every field has a working
// default; yaml and environment overrides layer on top.
type Config struct {
	Chat  ChatConfig  `yaml:"chat"`
	Cache CacheConfig `yaml:"cache"`
}

type ChatConfig struct {
	PageSize       int           `yaml:"pageSize"`
	MergeWindow    time.Duration `yaml:"mergeWindow"`
	SendRatePerSec float64       `yaml:"sendRatePerSec"`
	SendBurst      int           `yaml:"sendBurst"`
}

type CacheConfig struct {
	Path          string `yaml:"path"`
	ProfilePath   string `yaml:"profilePath"`
	PassphraseEnv string `yaml:"passphraseEnv"`
}

func Default() Config {
	return Config{
		Chat: ChatConfig{
			PageSize:       30,
			MergeWindow:    time.Minute,
			SendRatePerSec: 1,
			SendBurst:      5,
		},
		Cache: CacheConfig{
			PassphraseEnv: "CASETRACK_CACHE_PASSPHRASE",
		},
	}
}

// FileConfig mirrors Config with pointer fields, so an absent yaml key never
// clobbers a default.
type FileConfig struct {
	Chat struct {
		PageSize       *int           `yaml:"pageSize"`
		MergeWindow    *time.Duration `yaml:"mergeWindow"`
		SendRatePerSec *float64       `yaml:"sendRatePerSec"`
		SendBurst      *int           `yaml:"sendBurst"`
	} `yaml:"chat"`
	Cache struct {
		Path          *string `yaml:"path"`
		ProfilePath   *string `yaml:"profilePath"`
		PassphraseEnv *string `yaml:"passphraseEnv"`
	} `yaml:"cache"`
}

// LoadFromPath reads the first readable candidate file, merges it over the
// defaults and applies environment overrides. A missing or unparsable file
// falls back to defaults plus environment.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/casetrack.yaml",
			"casetrack.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src FileConfig) {
	if src.Chat.PageSize != nil && *src.Chat.PageSize > 0 {
		dst.Chat.PageSize = *src.Chat.PageSize
	}
	if src.Chat.MergeWindow != nil && *src.Chat.MergeWindow > 0 {
		dst.Chat.MergeWindow = *src.Chat.MergeWindow
	}
	if src.Chat.SendRatePerSec != nil && *src.Chat.SendRatePerSec > 0 {
		dst.Chat.SendRatePerSec = *src.Chat.SendRatePerSec
	}
	if src.Chat.SendBurst != nil && *src.Chat.SendBurst > 0 {
		dst.Chat.SendBurst = *src.Chat.SendBurst
	}
	if src.Cache.Path != nil {
		dst.Cache.Path = strings.TrimSpace(*src.Cache.Path)
	}
	if src.Cache.ProfilePath != nil {
		dst.Cache.ProfilePath = strings.TrimSpace(*src.Cache.ProfilePath)
	}
	if src.Cache.PassphraseEnv != nil && strings.TrimSpace(*src.Cache.PassphraseEnv) != "" {
		dst.Cache.PassphraseEnv = strings.TrimSpace(*src.Cache.PassphraseEnv)
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv("CASETRACK_CHAT_PAGE_SIZE")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Chat.PageSize = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("CASETRACK_CHAT_MERGE_WINDOW")); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			cfg.Chat.MergeWindow = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("CASETRACK_CACHE_PATH")); raw != "" {
		cfg.Cache.Path = raw
	}
}

// CachePassphrase resolves the passphrase from the configured environment
// variable; "" means the cache persists unencrypted.
func (c Config) CachePassphrase() string {
	if c.Cache.PassphraseEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.Cache.PassphraseEnv))
}
