package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	legacy  string // older variable name honored when env is unset
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "VOXDECK_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "VOXDECK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_upload_mb", typ: kInt, env: "VOXDECK_SERVER_MAX_UPLOAD_MB",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxUploadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxUploadMB },
	},
	{
		key: "server.api_token", typ: kString, env: "VOXDECK_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VOXDECK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.upload_dir", typ: kString, env: "VOXDECK_STORAGE_UPLOAD_DIR", legacy: "UPLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadDir },
	},
	{
		key: "storage.output_dir", typ: kString, env: "VOXDECK_STORAGE_OUTPUT_DIR", legacy: "OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.OutputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.OutputDir },
	},
	{
		key: "queue.backend", typ: kString, env: "VOXDECK_QUEUE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Queue.Backend = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Queue.Backend },
	},
	{
		key: "queue.redis_url", typ: kString, env: "VOXDECK_QUEUE_REDIS_URL", legacy: "REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Queue.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.RedisURL },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "VOXDECK_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "VOXDECK_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.stale_after", typ: kDuration, env: "VOXDECK_WORKER_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Worker.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.StaleAfter },
	},
	{
		key: "gemini.api_key", typ: kString, env: "VOXDECK_GEMINI_API_KEY", legacy: "GOOGLE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.models", typ: kList, env: "VOXDECK_GEMINI_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Models = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Gemini.Models, ",") },
	},
	{
		key: "gemini.guidance", typ: kString, env: "VOXDECK_GEMINI_GUIDANCE",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Guidance = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Guidance },
	},
	{
		key: "gemini.rate_limit_pause", typ: kDuration, env: "VOXDECK_GEMINI_RATE_LIMIT_PAUSE",
		apply:   func(cfg *Config, v any) { cfg.Gemini.RateLimitPause = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gemini.RateLimitPause },
	},
	{
		key: "gemini.error_pause", typ: kDuration, env: "VOXDECK_GEMINI_ERROR_PAUSE",
		apply:   func(cfg *Config, v any) { cfg.Gemini.ErrorPause = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gemini.ErrorPause },
	},
	{
		key: "gemini.upload_poll_interval", typ: kDuration, env: "VOXDECK_GEMINI_UPLOAD_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.UploadPollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gemini.UploadPollInterval },
	},
	{
		key: "gemini.upload_max_polls", typ: kInt, env: "VOXDECK_GEMINI_UPLOAD_MAX_POLLS",
		apply:   func(cfg *Config, v any) { cfg.Gemini.UploadMaxPolls = v.(int) },
		extract: func(cfg Config) any { return cfg.Gemini.UploadMaxPolls },
	},
	{
		key: "plusai.api_key", typ: kString, env: "VOXDECK_PLUSAI_API_KEY", legacy: "PLUSAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.PlusAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.PlusAI.APIKey },
	},
	{
		key: "plusai.base_url", typ: kString, env: "VOXDECK_PLUSAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.PlusAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.PlusAI.BaseURL },
	},
	{
		key: "plusai.poll_interval", typ: kDuration, env: "VOXDECK_PLUSAI_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.PlusAI.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.PlusAI.PollInterval },
	},
	{
		key: "plusai.max_polls", typ: kInt, env: "VOXDECK_PLUSAI_MAX_POLLS",
		apply:   func(cfg *Config, v any) { cfg.PlusAI.MaxPolls = v.(int) },
		extract: func(cfg Config) any { return cfg.PlusAI.MaxPolls },
	},
	{
		key: "plusai.slides", typ: kInt, env: "VOXDECK_PLUSAI_SLIDES",
		apply:   func(cfg *Config, v any) { cfg.PlusAI.Slides = v.(int) },
		extract: func(cfg Config) any { return cfg.PlusAI.Slides },
	},
	{
		key: "convert.enabled", typ: kBool, env: "VOXDECK_CONVERT_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Convert.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Convert.Enabled },
	},
	{
		key: "convert.binary", typ: kString, env: "VOXDECK_CONVERT_BINARY",
		apply:   func(cfg *Config, v any) { cfg.Convert.Binary = v.(string) },
		extract: func(cfg Config) any { return cfg.Convert.Binary },
	},
	{
		key: "convert.timeout", typ: kDuration, env: "VOXDECK_CONVERT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Convert.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Convert.Timeout },
	},
	{
		key: "handout.enabled", typ: kBool, env: "VOXDECK_HANDOUT_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Handout.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Handout.Enabled },
	},
	{
		key: "mirror.bucket", typ: kString, env: "VOXDECK_MIRROR_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Mirror.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Mirror.Bucket },
	},
	{
		key: "mirror.prefix", typ: kString, env: "VOXDECK_MIRROR_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Mirror.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Mirror.Prefix },
	},
	{
		key: "mirror.credentials_file", typ: kString, env: "VOXDECK_MIRROR_CREDENTIALS_FILE", legacy: "GOOGLE_APPLICATION_CREDENTIALS",
		apply:   func(cfg *Config, v any) { cfg.Mirror.CredentialsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Mirror.CredentialsFile },
	},
	{
		key: "whatsapp.api_token", typ: kString, env: "VOXDECK_WHATSAPP_API_TOKEN", legacy: "WHATSAPP_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.APIToken },
	},
	{
		key: "whatsapp.phone_number_id", typ: kString, env: "VOXDECK_WHATSAPP_PHONE_NUMBER_ID", legacy: "WHATSAPP_PHONE_NUMBER_ID",
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.PhoneNumberID = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.PhoneNumberID },
	},
	{
		key: "whatsapp.verify_token", typ: kString, env: "VOXDECK_WHATSAPP_VERIFY_TOKEN", legacy: "WHATSAPP_VERIFY_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.VerifyToken = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.VerifyToken },
	},
	{
		key: "whatsapp.api_version", typ: kString, env: "VOXDECK_WHATSAPP_API_VERSION",
		apply:   func(cfg *Config, v any) { cfg.WhatsApp.APIVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.WhatsApp.APIVersion },
	},
	{
		key: "inbox.dir", typ: kString, env: "VOXDECK_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Inbox.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Inbox.Dir },
	},
	{
		key: "mcp.enabled", typ: kBool, env: "VOXDECK_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.MCP.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.MCP.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "VOXDECK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "VOXDECK_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string into the Go value for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", d)
		}
		return d, nil
	case kList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty list")
		}
		return out, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		if raw == "" && s.legacy != "" {
			name, raw = s.legacy, os.Getenv(s.legacy)
		}
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", name, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
