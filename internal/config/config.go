// Package config loads service configuration: defaults, then an
// optional truffle.toml, then environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Slack      SlackConfig      `toml:"slack"`
	Classifier ClassifierConfig `toml:"classifier"`
	Ingestor   IngestorConfig   `toml:"ingestor"`
	ExpertAPI  ServerConfig     `toml:"expert_api"`
	Bot        BotConfig        `toml:"bot"`
	Observer   ObserverConfig   `toml:"observer"`
}

type DatabaseConfig struct {
	// URL is a postgres:// connection string. Empty selects the SQLite
	// fallback at Path.
	URL  string `toml:"url"`
	Path string `toml:"path"`
}

type SlackConfig struct {
	BotToken         string `toml:"bot_token"`
	BatchSize        int    `toml:"batch_size"`
	BatchWaitSeconds int    `toml:"batch_wait_seconds"`
}

type ClassifierConfig struct {
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
}

type IngestorConfig struct {
	ServerConfig
	Workers           int    `toml:"workers"`
	ExtractSkills     bool   `toml:"extract_skills"`
	ClassifyExpertise bool   `toml:"classify_expertise"`
	SkillsDir         string `toml:"skills_dir"`
	IntervalMinutes   int    `toml:"interval_minutes"`
}

type BotConfig struct {
	ServerConfig
	ExpertAPIURL string `toml:"expert_api_url"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "truffle.db"},
		Slack:    SlackConfig{BatchSize: 50, BatchWaitSeconds: 61},
		Classifier: ClassifierConfig{
			Model:   "gpt-4o",
			BaseURL: "https://api.openai.com/v1",
		},
		Ingestor: IngestorConfig{
			ServerConfig:      ServerConfig{Host: "0.0.0.0", Port: 8081},
			Workers:           3,
			ExtractSkills:     true,
			ClassifyExpertise: true,
			SkillsDir:         "skills",
			IntervalMinutes:   60,
		},
		ExpertAPI: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Bot: BotConfig{
			ServerConfig: ServerConfig{Host: "0.0.0.0", Port: 8082},
			ExpertAPIURL: "http://localhost:8080",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "truffle.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("TRUFFLE_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("TRUFFLE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SLACK_BOT_AUTH_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("CLASSIFIER_MODEL"); v != "" {
		cfg.Classifier.Model = v
	}
	if v := os.Getenv("CLASSIFIER_BASE_URL"); v != "" {
		cfg.Classifier.BaseURL = v
	}
	if n, ok := envInt("SLACK_BATCH_SIZE"); ok {
		cfg.Slack.BatchSize = n
	}
	if n, ok := envInt("SLACK_BATCH_WAIT_SECONDS"); ok {
		cfg.Slack.BatchWaitSeconds = n
	}
	if v, ok := os.LookupEnv("EXTRACT_SKILLS"); ok {
		cfg.Ingestor.ExtractSkills = v == "1"
	}
	if v, ok := os.LookupEnv("CLASSIFY_EXPERTISE"); ok {
		cfg.Ingestor.ClassifyExpertise = v == "1"
	}
	if n, ok := envInt("INGESTOR_WORKERS"); ok {
		cfg.Ingestor.Workers = n
	}
	if v := os.Getenv("SKILLS_DIR"); v != "" {
		cfg.Ingestor.SkillsDir = v
	}
	if v := os.Getenv("EXPERT_API_URL"); v != "" {
		cfg.Bot.ExpertAPIURL = v
	}
	overrideServer(&cfg.Ingestor.ServerConfig, "INGESTOR")
	overrideServer(&cfg.ExpertAPI, "EXPERT_API")
	overrideServer(&cfg.Bot.ServerConfig, "BOT")
	if os.Getenv("TRUFFLE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

func overrideServer(sc *ServerConfig, prefix string) {
	if v := os.Getenv(prefix + "_HOST"); v != "" {
		sc.Host = v
	}
	if n, ok := envInt(prefix + "_PORT"); ok {
		sc.Port = n
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
