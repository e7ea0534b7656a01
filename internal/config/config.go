package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the callsync agent and the dev backend read at
// startup. Values come from the environment, an optional .env file and an
// optional YAML file named by CALLSYNC_CONFIG_FILE. The environment wins.
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	Agent  AgentConfig
	Audio  AudioConfig
	Work   WorkConfig
	DevAPI DevAPIConfig
}

type AppConfig struct {
	Env      string
	LogLevel string
}

type AgentConfig struct {
	DataDir       string
	APIBaseURL    string
	HTTPTimeout   time.Duration
	RecordingsDir string
	// RetainRecordings keeps local files after a successful upload.
	RetainRecordings bool
	PingURL         string
	// CallStateSource is a newline-delimited JSON stream of call states; "-" is stdin.
	CallStateSource string
	// CallLogFile is an exported device call log (JSON array).
	CallLogFile string
}

type AudioConfig struct {
	FFmpegCommand string
	InputFormat   string
	InputDevice   string
}

type WorkConfig struct {
	UploadBackoff       time.Duration
	FolderScanInterval  time.Duration
	CallLogSyncInterval time.Duration
	ActionDrainInterval time.Duration
	PollInterval        time.Duration
	Concurrency         int
}

type DevAPIConfig struct {
	Port      int
	Auth      AuthConfig
	PublicURL string
	APIKey    string
	// DatabaseDSN selects Postgres storage; empty means in-memory.
	DatabaseDSN string
	// RedisAddr selects Redis call-log dedup; empty means in-memory.
	RedisAddr string
	// StorageDir holds uploaded audio; empty means in-memory.
	StorageDir     string
	SeedFile       string
	MaxUploadBytes int64
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

const fileEnvKey = "CALLSYNC_CONFIG_FILE"

// Load reads and validates the agent configuration.
func Load() (Config, error) {
	c, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadDevAPI reads and validates the dev backend configuration.
func LoadDevAPI() (Config, error) {
	c, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := c.ValidateDevAPI(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func read() (Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	src, err := newSource(os.Getenv(fileEnvKey))
	if err != nil {
		return Config{}, err
	}
	return fromSource(src)
}

func fromSource(src *source) (Config, error) {
	c := Config{}

	c.App.Env = src.str("APP_ENV")
	c.App.LogLevel = strings.ToLower(src.str("LOG_LEVEL"))

	c.Agent.DataDir = src.str("CALLSYNC_DATA_DIR")
	c.Agent.APIBaseURL = src.str("CALLSYNC_API_BASE_URL")
	c.Agent.HTTPTimeout = src.duration("CALLSYNC_HTTP_TIMEOUT")
	c.Agent.RecordingsDir = src.str("CALLSYNC_RECORDINGS_DIR")
	c.Agent.RetainRecordings = src.boolean("CALLSYNC_RETAIN_RECORDINGS")
	c.Agent.PingURL = src.str("CALLSYNC_PING_URL")
	c.Agent.CallStateSource = src.str("CALLSYNC_CALL_STATE_SOURCE")
	c.Agent.CallLogFile = src.str("CALLSYNC_CALL_LOG_FILE")

	c.Audio.FFmpegCommand = src.str("CALLSYNC_FFMPEG_COMMAND")
	c.Audio.InputFormat = src.str("CALLSYNC_AUDIO_INPUT_FORMAT")
	c.Audio.InputDevice = src.str("CALLSYNC_AUDIO_INPUT_DEVICE")

	c.Work.UploadBackoff = src.duration("CALLSYNC_UPLOAD_BACKOFF")
	c.Work.FolderScanInterval = src.duration("CALLSYNC_FOLDER_SCAN_INTERVAL")
	c.Work.CallLogSyncInterval = src.duration("CALLSYNC_CALL_LOG_SYNC_INTERVAL")
	c.Work.ActionDrainInterval = src.duration("CALLSYNC_ACTION_DRAIN_INTERVAL")
	c.Work.PollInterval = src.duration("CALLSYNC_WORK_POLL_INTERVAL")
	c.Work.Concurrency = src.integer("CALLSYNC_WORK_CONCURRENCY")

	c.DevAPI.Port = src.integer("APP_PORT")
	c.DevAPI.PublicURL = src.str("DEVAPI_PUBLIC_URL")
	c.DevAPI.APIKey = src.raw("DEVAPI_API_KEY")
	c.DevAPI.DatabaseDSN = src.raw("DEVAPI_DATABASE_DSN")
	c.DevAPI.RedisAddr = src.str("DEVAPI_REDIS_ADDR")
	c.DevAPI.StorageDir = src.str("DEVAPI_STORAGE_DIR")
	c.DevAPI.SeedFile = src.str("DEVAPI_SEED_FILE")
	c.DevAPI.MaxUploadBytes = int64(src.integer("DEVAPI_MAX_UPLOAD_MB")) << 20
	c.DevAPI.Auth.JWTSecret = src.raw("JWT_SECRET")
	c.DevAPI.Auth.JWTIssuer = src.str("JWT_ISSUER")
	c.DevAPI.Auth.JWTAudience = src.str("JWT_AUDIENCE")
	c.DevAPI.Auth.AccessTokenTTL = src.duration("JWT_ACCESS_TTL")
	c.DevAPI.Auth.RefreshTokenTTL = src.duration("JWT_REFRESH_TTL")

	if err := joinErrors(src.errs); err != nil {
		return Config{}, err
	}
	return c.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	out := c
	if out.App.Env == "" {
		out.App.Env = "local"
	}
	if out.Agent.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			out.Agent.DataDir = filepath.Join(home, ".callsync")
		} else {
			out.Agent.DataDir = ".callsync"
		}
	}
	if out.Agent.RecordingsDir == "" {
		out.Agent.RecordingsDir = filepath.Join(out.Agent.DataDir, "recordings")
	}
	if out.Agent.HTTPTimeout == 0 {
		out.Agent.HTTPTimeout = 30 * time.Second
	}
	if out.Work.UploadBackoff == 0 {
		out.Work.UploadBackoff = 30 * time.Second
	}
	if out.Work.FolderScanInterval == 0 {
		out.Work.FolderScanInterval = 15 * time.Minute
	}
	if out.Work.CallLogSyncInterval == 0 {
		out.Work.CallLogSyncInterval = 30 * time.Minute
	}
	if out.Work.ActionDrainInterval == 0 {
		out.Work.ActionDrainInterval = 5 * time.Minute
	}
	if out.Work.PollInterval == 0 {
		out.Work.PollInterval = 2 * time.Second
	}
	if out.Work.Concurrency == 0 {
		out.Work.Concurrency = 2
	}
	if out.DevAPI.Port == 0 {
		out.DevAPI.Port = 8080
	}
	if out.DevAPI.PublicURL == "" {
		out.DevAPI.PublicURL = fmt.Sprintf("http://localhost:%d", out.DevAPI.Port)
	}
	if out.DevAPI.MaxUploadBytes == 0 {
		out.DevAPI.MaxUploadBytes = 100 << 20
	}
	if out.DevAPI.Auth.AccessTokenTTL == 0 {
		// Short-lived access tokens.
		out.DevAPI.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if out.DevAPI.Auth.RefreshTokenTTL == 0 {
		out.DevAPI.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	return out
}

// Validate checks the agent settings.
func (c Config) Validate() error {
	errs := c.validateApp()

	if c.Agent.APIBaseURL == "" {
		errs = append(errs, errors.New("CALLSYNC_API_BASE_URL is required"))
	} else if !isHTTPURL(c.Agent.APIBaseURL) {
		errs = append(errs, fmt.Errorf("CALLSYNC_API_BASE_URL must be an http(s) URL, got %q", c.Agent.APIBaseURL))
	}
	if c.Agent.PingURL != "" && !isHTTPURL(c.Agent.PingURL) {
		errs = append(errs, fmt.Errorf("CALLSYNC_PING_URL must be an http(s) URL, got %q", c.Agent.PingURL))
	}
	if c.Agent.DataDir == "" {
		errs = append(errs, errors.New("CALLSYNC_DATA_DIR is required"))
	}
	if c.Agent.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("CALLSYNC_HTTP_TIMEOUT must be positive"))
	}

	positive := []struct {
		key string
		d   time.Duration
	}{
		{"CALLSYNC_UPLOAD_BACKOFF", c.Work.UploadBackoff},
		{"CALLSYNC_FOLDER_SCAN_INTERVAL", c.Work.FolderScanInterval},
		{"CALLSYNC_CALL_LOG_SYNC_INTERVAL", c.Work.CallLogSyncInterval},
		{"CALLSYNC_ACTION_DRAIN_INTERVAL", c.Work.ActionDrainInterval},
		{"CALLSYNC_WORK_POLL_INTERVAL", c.Work.PollInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.key, p.d))
		}
	}
	if c.Work.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("CALLSYNC_WORK_CONCURRENCY must be positive, got %d", c.Work.Concurrency))
	}
	return joinErrors(errs)
}

// ValidateDevAPI checks the dev backend settings.
func (c Config) ValidateDevAPI() error {
	errs := c.validateApp()

	if c.DevAPI.Port <= 0 || c.DevAPI.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.DevAPI.Port))
	}
	if !isHTTPURL(c.DevAPI.PublicURL) {
		errs = append(errs, fmt.Errorf("DEVAPI_PUBLIC_URL must be an http(s) URL, got %q", c.DevAPI.PublicURL))
	}

	if c.DevAPI.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("DEVAPI_MAX_UPLOAD_MB must be positive"))
	}

	a := c.DevAPI.Auth
	if a.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if a.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if a.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.DevAPI.DatabaseDSN == "" {
			errs = append(errs, errors.New("DEVAPI_DATABASE_DSN is required in production"))
		}
	}
	if a.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must be positive"))
	}
	if a.RefreshTokenTTL <= a.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	return joinErrors(errs)
}

func (c Config) validateApp() []error {
	var errs []error
	if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.LogLevel != "" && !isValidLevel(c.App.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.App.LogLevel))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.DevAPI.Port)
}

// DatabasePath is the agent's SQLite file.
func (c Config) DatabasePath() string {
	return filepath.Join(c.Agent.DataDir, "callsync.db")
}

// source resolves a key from the environment, then the YAML file.
// Parse failures are collected in errs.
type source struct {
	file map[string]string
	errs []error
}

func newSource(path string) (*source, error) {
	s := &source{file: map[string]string{}}
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileEnvKey, err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("%s: parse %s: %w", fileEnvKey, path, err)
	}
	for k, v := range values {
		if v == nil {
			continue
		}
		s.file[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return s, nil
}

func (s *source) raw(key string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return s.file[key]
}

func (s *source) str(key string) string {
	return strings.TrimSpace(s.raw(key))
}

func (s *source) integer(key string) int {
	v := s.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n
}

func (s *source) duration(key string) time.Duration {
	v := s.str(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d
}

func (s *source) boolean(key string) bool {
	v := s.str(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidLevel(v string) bool {
	switch v {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isHTTPURL(v string) bool {
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
