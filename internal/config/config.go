package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr        = "127.0.0.1:8080"
	defaultCacheDir          = "output"
	defaultPlaylistID        = "PL8mG-RkN2uTw7PhlnAr4pZZz2QubIbujH"
	defaultEpisodeLimit      = 5
	defaultFetchTimeout      = 30 * time.Minute
	defaultNormalizeTimeout  = 15 * time.Minute
	defaultSessionTTL        = 24 * time.Hour
	defaultSessionCapacity   = 1024
	defaultRefreshDebounceMS = 500
	defaultFFmpegBinary      = "ffmpeg"
	defaultFeedTitle         = "Podcast Bot"
	defaultFeedDescription   = "Normalized episodes downloaded through the podcast bot."
	defaultFeedLanguage      = "en"
)

// ErrMissingToken is returned by ValidateBot when no bot token is configured.
var ErrMissingToken = errors.New("TELEGRAM_BOT_TOKEN is not set")

// ErrMissingDownloadURL is returned by ValidateBot when no public base URL is configured.
var ErrMissingDownloadURL = errors.New("DOWNLOAD_URL is not set")

// Config holds every option the process recognizes. It is built once at
// startup by Load and passed by reference to the components that need it.
type Config struct {
	BotToken      string
	AllowedUsers  []int64
	AllowListFile string
	DownloadURL   string

	CacheDir   string
	ListenAddr string

	PlaylistID   string
	EpisodeLimit int

	FFmpegBinary     string
	FetchTimeout     time.Duration
	NormalizeTimeout time.Duration

	SessionTTL      time.Duration
	SessionCapacity int
	RefreshDebounce time.Duration

	Feed FeedMetadata
}

// FeedMetadata represents the static metadata used to render the RSS feed of
// downloaded episodes.
type FeedMetadata struct {
	Title       string
	Description string
	Language    string
	Author      string
}

type fileConfig struct {
	PlaylistID       string   `yaml:"playlist_id"`
	EpisodeLimit     int      `yaml:"episode_limit"`
	CacheDir         string   `yaml:"cache_dir"`
	ListenAddr       string   `yaml:"listen_addr"`
	DownloadURL      string   `yaml:"download_url"`
	AdminUsers       []int64  `yaml:"admin_users"`
	AllowListFile    string   `yaml:"allowlist_file"`
	FFmpeg           string   `yaml:"ffmpeg"`
	FetchTimeout     string   `yaml:"fetch_timeout"`
	NormalizeTimeout string   `yaml:"normalize_timeout"`
	SessionTTL       string   `yaml:"session_ttl"`
	Feed             feedYAML `yaml:"feed"`
}

type feedYAML struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Language    string `yaml:"language"`
	Author      string `yaml:"author"`
}

// Load builds the process configuration. Values are applied in order:
// defaults, the YAML file named by PODBOT_CONFIG (when set), then environment
// variables. A .env file in the working directory is loaded first when present;
// variables already set in the environment win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:       defaultListenAddr,
		CacheDir:         defaultCacheDir,
		PlaylistID:       defaultPlaylistID,
		EpisodeLimit:     defaultEpisodeLimit,
		FFmpegBinary:     defaultFFmpegBinary,
		FetchTimeout:     defaultFetchTimeout,
		NormalizeTimeout: defaultNormalizeTimeout,
		SessionTTL:       defaultSessionTTL,
		SessionCapacity:  defaultSessionCapacity,
		RefreshDebounce:  time.Duration(defaultRefreshDebounceMS) * time.Millisecond,
		Feed: FeedMetadata{
			Title:       defaultFeedTitle,
			Description: defaultFeedDescription,
			Language:    defaultFeedLanguage,
		},
	}

	if path := strings.TrimSpace(os.Getenv("PODBOT_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cacheDir, err := resolveDir(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	cfg.CacheDir = cacheDir

	if cfg.AllowListFile != "" {
		abs, err := ensureFile(cfg.AllowListFile)
		if err != nil {
			return nil, fmt.Errorf("resolve allow-list file: %w", err)
		}
		cfg.AllowListFile = abs
	}

	if err := ValidateListenAddr(cfg.ListenAddr); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
	}

	return cfg, nil
}

// ValidateBot reports whether the options required by the chat bot are present.
func (c *Config) ValidateBot() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return ErrMissingToken
	}
	if strings.TrimSpace(c.DownloadURL) == "" {
		return ErrMissingDownloadURL
	}
	return nil
}

// DownloadLink composes the public link for the artifact of the given episode.
func (c *Config) DownloadLink(episodeID string) string {
	return fmt.Sprintf("%s/%s.mp3", strings.TrimRight(c.DownloadURL, "/"), episodeID)
}

func (c *Config) applyFile(path string) error {
	resolved, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if value := strings.TrimSpace(fc.PlaylistID); value != "" {
		c.PlaylistID = value
	}
	if fc.EpisodeLimit > 0 {
		c.EpisodeLimit = fc.EpisodeLimit
	}
	if value := strings.TrimSpace(fc.CacheDir); value != "" {
		c.CacheDir = value
	}
	if value := strings.TrimSpace(fc.ListenAddr); value != "" {
		c.ListenAddr = value
	}
	if value := strings.TrimSpace(fc.DownloadURL); value != "" {
		c.DownloadURL = value
	}
	if len(fc.AdminUsers) > 0 {
		c.AllowedUsers = append([]int64(nil), fc.AdminUsers...)
	}
	if value := strings.TrimSpace(fc.AllowListFile); value != "" {
		c.AllowListFile = value
	}
	if value := strings.TrimSpace(fc.FFmpeg); value != "" {
		c.FFmpegBinary = value
	}
	for _, d := range []struct {
		raw    string
		target *time.Duration
	}{
		{fc.FetchTimeout, &c.FetchTimeout},
		{fc.NormalizeTimeout, &c.NormalizeTimeout},
		{fc.SessionTTL, &c.SessionTTL},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || parsed <= 0 {
			return fmt.Errorf("parse config file: invalid duration %q", d.raw)
		}
		*d.target = parsed
	}
	if value := strings.TrimSpace(fc.Feed.Title); value != "" {
		c.Feed.Title = value
	}
	if value := strings.TrimSpace(fc.Feed.Description); value != "" {
		c.Feed.Description = value
	}
	if value := strings.TrimSpace(fc.Feed.Language); value != "" {
		c.Feed.Language = value
	}
	if value := strings.TrimSpace(fc.Feed.Author); value != "" {
		c.Feed.Author = value
	}
	return nil
}

func (c *Config) applyEnv() error {
	if value := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); value != "" {
		c.BotToken = value
	}
	if value := strings.TrimSpace(os.Getenv("ADMIN_USERS")); value != "" {
		users, err := ParseUserIDs(value)
		if err != nil {
			return fmt.Errorf("parse ADMIN_USERS: %w", err)
		}
		c.AllowedUsers = users
	}
	if value := strings.TrimSpace(os.Getenv("DOWNLOAD_URL")); value != "" {
		c.DownloadURL = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_CACHE_DIR")); value != "" {
		c.CacheDir = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_LISTEN_ADDR")); value != "" {
		c.ListenAddr = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_PLAYLIST_ID")); value != "" {
		c.PlaylistID = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_ALLOWLIST_FILE")); value != "" {
		c.AllowListFile = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_FFMPEG")); value != "" {
		c.FFmpegBinary = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_EPISODE_LIMIT")); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			c.EpisodeLimit = n
		}
	}

	c.FetchTimeout = durationFromEnv("PODBOT_FETCH_TIMEOUT", c.FetchTimeout)
	c.NormalizeTimeout = durationFromEnv("PODBOT_NORMALIZE_TIMEOUT", c.NormalizeTimeout)
	c.SessionTTL = durationFromEnv("PODBOT_SESSION_TTL", c.SessionTTL)
	c.RefreshDebounce = RefreshDebounce(c.RefreshDebounce)

	if value := strings.TrimSpace(os.Getenv("PODBOT_FEED_TITLE")); value != "" {
		c.Feed.Title = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_FEED_DESCRIPTION")); value != "" {
		c.Feed.Description = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_FEED_LANGUAGE")); value != "" {
		c.Feed.Language = value
	}
	if value := strings.TrimSpace(os.Getenv("PODBOT_FEED_AUTHOR")); value != "" {
		c.Feed.Author = value
	}
	return nil
}

// ParseUserIDs parses a comma separated list of numeric user identifiers.
// Empty items are skipped.
func ParseUserIDs(value string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RefreshDebounce returns the duration to wait before reloading watched files
// after file-system change events.
func RefreshDebounce(fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv("PODBOT_REFRESH_DEBOUNCE_MS"))
	if value == "" {
		return fallback
	}

	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// ValidateListenAddr ensures the configured listen address is restricted to localhost.
func ValidateListenAddr(addr string) error {
	addr = strings.TrimSpace(strings.ToLower(addr))
	if strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:") {
		return nil
	}
	return errors.New("listen address must bind to localhost for security")
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// resolveDir returns the absolute form of dir, creating it when it does not
// yet exist.
func resolveDir(dir string) (string, error) {
	abs, err := expandPath(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// ensureFile returns the absolute path to the file, creating an empty one
// when it does not already exist.
func ensureFile(path string) (string, error) {
	abs, err := expandPath(path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}

	if _, err := os.Stat(abs); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		file, err := os.OpenFile(abs, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return "", err
		}
		if err := file.Close(); err != nil {
			return "", err
		}
	}

	return abs, nil
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Abs(path)
}
