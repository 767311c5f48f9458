package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Gemini   GeminiConfig
	PlusAI   PlusAIConfig
	Convert  ConvertConfig
	Handout  HandoutConfig
	Mirror   MirrorConfig
	WhatsApp WhatsAppConfig
	Inbox    InboxConfig
	MCP      MCPConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	APIToken    string
	MaxUploadMB int
}

type StorageConfig struct {
	DataDir   string
	UploadDir string
	OutputDir string
}

type QueueConfig struct {
	Backend  string
	RedisURL string
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// StaleAfter is how long a running run may go without a heartbeat
	// before it is failed as interrupted.
	StaleAfter time.Duration
}

type GeminiConfig struct {
	APIKey             string
	Models             []string
	Guidance           string
	RateLimitPause     time.Duration
	ErrorPause         time.Duration
	UploadPollInterval time.Duration
	UploadMaxPolls     int
}

type PlusAIConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxPolls     int
	Slides       int
}

type ConvertConfig struct {
	Enabled bool
	Binary  string
	Timeout time.Duration
}

type HandoutConfig struct {
	Enabled bool
}

type MirrorConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

type WhatsAppConfig struct {
	APIToken      string
	PhoneNumberID string
	VerifyToken   string
	APIVersion    string
}

type InboxConfig struct {
	Dir string
}

type MCPConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level  string
	Format string
}

// Queue backends.
const (
	QueueSQLite = "sqlite"
	QueueRedis  = "redis"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			MaxUploadMB: 100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Queue: QueueConfig{
			Backend:  QueueSQLite,
			RedisURL: "redis://localhost:6379/0",
		},
		Worker: WorkerConfig{
			Concurrency:  2,
			PollInterval: 500 * time.Millisecond,
			StaleAfter:   15 * time.Minute,
		},
		Gemini: GeminiConfig{
			Models:             []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash", "gemini-1.5-flash"},
			RateLimitPause:     30 * time.Second,
			ErrorPause:         3 * time.Second,
			UploadPollInterval: 2 * time.Second,
			UploadMaxPolls:     90,
		},
		PlusAI: PlusAIConfig{
			BaseURL:      "https://api.plusdocs.com/r/v0",
			PollInterval: 5 * time.Second,
			MaxPolls:     60,
			Slides:       8,
		},
		Convert: ConvertConfig{
			Enabled: true,
			Binary:  "libreoffice",
			Timeout: 2 * time.Minute,
		},
		Handout: HandoutConfig{
			Enabled: true,
		},
		WhatsApp: WhatsAppConfig{
			VerifyToken: "my_secure_verify_token",
			APIVersion:  "v18.0",
		},
		MCP: MCPConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "voxdeck-data"
		}
	}
	return filepath.Join(dir, "voxdeck")
}

// Load reads configuration in layers: built-in defaults, the YAML file at
// $XDG_CONFIG_HOME/voxdeck/config.yaml, then environment variables
// (VOXDECK_*, with the legacy names as fallbacks). A .env file in the
// working directory is loaded first and never overrides the real
// environment. Secrets are read from the environment only.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	cfg.resolveDirs()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveDirs places upload and output dirs under the data dir unless set.
func (c *Config) resolveDirs() {
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = filepath.Join(c.Storage.DataDir, "uploads")
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = filepath.Join(c.Storage.DataDir, "outputs")
	}
}

func (c Config) validate() error {
	switch c.Queue.Backend {
	case QueueSQLite, QueueRedis:
	default:
		return fmt.Errorf("invalid queue.backend %q: want %q or %q", c.Queue.Backend, QueueSQLite, QueueRedis)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.StaleAfter < time.Minute {
		return fmt.Errorf("worker.stale_after must be at least 1m, got %s", c.Worker.StaleAfter)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if len(c.Gemini.Models) == 0 {
		return fmt.Errorf("gemini.models must list at least one model")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// ValidateWorker reports missing settings required to process runs.
func (c Config) ValidateWorker() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("missing required config: Gemini API key. " +
			"Set it via environment variable VOXDECK_GEMINI_API_KEY (or GOOGLE_API_KEY)")
	}
	return nil
}

// WhatsAppEnabled reports whether outbound messaging is configured.
func (c Config) WhatsAppEnabled() bool {
	return c.WhatsApp.APIToken != "" && c.WhatsApp.PhoneNumberID != ""
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BaseURL is the URL CLI commands use to reach a local server.
func (c Config) BaseURL() string {
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// EnsureDirs creates the data, upload, output and inbox directories.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.Storage.DataDir, c.Storage.UploadDir, c.Storage.OutputDir, c.Inbox.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
