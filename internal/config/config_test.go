package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"PODBOT_CONFIG",
	"TELEGRAM_BOT_TOKEN",
	"ADMIN_USERS",
	"DOWNLOAD_URL",
	"PODBOT_CACHE_DIR",
	"PODBOT_LISTEN_ADDR",
	"PODBOT_PLAYLIST_ID",
	"PODBOT_ALLOWLIST_FILE",
	"PODBOT_FFMPEG",
	"PODBOT_EPISODE_LIMIT",
	"PODBOT_FETCH_TIMEOUT",
	"PODBOT_NORMALIZE_TIMEOUT",
	"PODBOT_SESSION_TTL",
	"PODBOT_REFRESH_DEBOUNCE_MS",
	"PODBOT_FEED_TITLE",
	"PODBOT_FEED_DESCRIPTION",
	"PODBOT_FEED_LANGUAGE",
	"PODBOT_FEED_AUTHOR",
}

// isolate moves the test into an empty working directory and clears every
// recognized variable so that a stray .env or shell export cannot leak in.
func isolate(t *testing.T) string {
	t.Helper()
	temp := t.TempDir()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(cwd)
	})
	if err := os.Chdir(temp); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return temp
}

func TestLoadDefaults(t *testing.T) {
	temp := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	assertSamePath(t, cfg.CacheDir, filepath.Join(temp, "output"))
	if info, err := os.Stat(cfg.CacheDir); err != nil || !info.IsDir() {
		t.Fatalf("expected cache dir to be created, stat err %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("expected default listen address, got %s", cfg.ListenAddr)
	}
	if cfg.EpisodeLimit != 5 {
		t.Fatalf("expected episode limit 5, got %d", cfg.EpisodeLimit)
	}
	if cfg.PlaylistID != defaultPlaylistID {
		t.Fatalf("expected default playlist, got %s", cfg.PlaylistID)
	}
	if cfg.FetchTimeout != defaultFetchTimeout || cfg.NormalizeTimeout != defaultNormalizeTimeout {
		t.Fatalf("unexpected timeouts %s %s", cfg.FetchTimeout, cfg.NormalizeTimeout)
	}
	if cfg.RefreshDebounce != 500*time.Millisecond {
		t.Fatalf("expected default debounce, got %s", cfg.RefreshDebounce)
	}
	if cfg.Feed.Title != defaultFeedTitle || cfg.Feed.Language != defaultFeedLanguage {
		t.Fatalf("expected default feed metadata, got %+v", cfg.Feed)
	}
	if err := cfg.ValidateBot(); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	temp := isolate(t)

	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("ADMIN_USERS", "42, 7,,")
	t.Setenv("DOWNLOAD_URL", "https://files.example.com/output/")
	t.Setenv("PODBOT_CACHE_DIR", filepath.Join(temp, "cache"))
	t.Setenv("PODBOT_LISTEN_ADDR", "localhost:9000")
	t.Setenv("PODBOT_EPISODE_LIMIT", "3")
	t.Setenv("PODBOT_FETCH_TIMEOUT", "90s")
	t.Setenv("PODBOT_NORMALIZE_TIMEOUT", "not-a-duration")
	t.Setenv("PODBOT_ALLOWLIST_FILE", filepath.Join(temp, "lists", "users.txt"))
	t.Setenv("PODBOT_REFRESH_DEBOUNCE_MS", "1500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BotToken != "123:abc" {
		t.Fatalf("unexpected token %q", cfg.BotToken)
	}
	if len(cfg.AllowedUsers) != 2 || cfg.AllowedUsers[0] != 42 || cfg.AllowedUsers[1] != 7 {
		t.Fatalf("unexpected allowed users %v", cfg.AllowedUsers)
	}
	assertSamePath(t, cfg.CacheDir, filepath.Join(temp, "cache"))
	if cfg.ListenAddr != "localhost:9000" {
		t.Fatalf("unexpected listen address %s", cfg.ListenAddr)
	}
	if cfg.EpisodeLimit != 3 {
		t.Fatalf("expected episode limit override, got %d", cfg.EpisodeLimit)
	}
	if cfg.FetchTimeout != 90*time.Second {
		t.Fatalf("expected fetch timeout override, got %s", cfg.FetchTimeout)
	}
	if cfg.NormalizeTimeout != defaultNormalizeTimeout {
		t.Fatalf("expected fallback normalize timeout, got %s", cfg.NormalizeTimeout)
	}
	if cfg.RefreshDebounce != 1500*time.Millisecond {
		t.Fatalf("expected custom debounce, got %s", cfg.RefreshDebounce)
	}
	if info, err := os.Stat(cfg.AllowListFile); err != nil || !info.Mode().IsRegular() {
		t.Fatalf("expected allow-list file to be created, stat err %v", err)
	}
	if err := cfg.ValidateBot(); err != nil {
		t.Fatalf("ValidateBot: %v", err)
	}
	if link := cfg.DownloadLink("abc123"); link != "https://files.example.com/output/abc123.mp3" {
		t.Fatalf("unexpected download link %s", link)
	}
}

func TestLoadRejectsInvalidAdminUsers(t *testing.T) {
	isolate(t)
	t.Setenv("ADMIN_USERS", "42,bob")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for non-numeric user id")
	}
}

func TestLoadRejectsPublicListenAddr(t *testing.T) {
	isolate(t)
	t.Setenv("PODBOT_LISTEN_ADDR", "0.0.0.0:80")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for public listen address")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	temp := isolate(t)
	content := "" +
		"TELEGRAM_BOT_TOKEN=from-dotenv\n" +
		"DOWNLOAD_URL=https://dl.example.com\n"
	if err := os.WriteFile(filepath.Join(temp, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("DOWNLOAD_URL", "https://env.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BotToken != "from-dotenv" {
		t.Fatalf("expected token from .env, got %q", cfg.BotToken)
	}
	if cfg.DownloadURL != "https://env.example.com" {
		t.Fatalf("expected environment to win over .env, got %q", cfg.DownloadURL)
	}
}

func TestLoadFromFile(t *testing.T) {
	temp := isolate(t)
	configPath := filepath.Join(temp, "podbot.yaml")
	content := "" +
		"playlist_id: PLfile\n" +
		"episode_limit: 8\n" +
		"cache_dir: " + filepath.Join(temp, "from-file") + "\n" +
		"admin_users: [1, 2, 3]\n" +
		"session_ttl: 2h\n" +
		"feed:\n" +
		"  title: File Title\n" +
		"  description: File Description\n" +
		"  language: es\n" +
		"  author: File Author\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("PODBOT_CONFIG", configPath)
	t.Setenv("PODBOT_FEED_TITLE", "Env Title")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PlaylistID != "PLfile" || cfg.EpisodeLimit != 8 {
		t.Fatalf("expected file-derived playlist settings, got %s %d", cfg.PlaylistID, cfg.EpisodeLimit)
	}
	assertSamePath(t, cfg.CacheDir, filepath.Join(temp, "from-file"))
	if len(cfg.AllowedUsers) != 3 {
		t.Fatalf("expected admin users from file, got %v", cfg.AllowedUsers)
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Fatalf("expected session ttl from file, got %s", cfg.SessionTTL)
	}
	if cfg.Feed.Title != "Env Title" {
		t.Fatalf("expected env override to win, got %s", cfg.Feed.Title)
	}
	if cfg.Feed.Description != "File Description" || cfg.Feed.Language != "es" || cfg.Feed.Author != "File Author" {
		t.Fatalf("expected file-derived metadata, got %+v", cfg.Feed)
	}
}

func TestLoadFileWithInvalidDuration(t *testing.T) {
	temp := isolate(t)
	configPath := filepath.Join(temp, "podbot.yaml")
	if err := os.WriteFile(configPath, []byte("fetch_timeout: soon\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("PODBOT_CONFIG", configPath)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestRefreshDebounce(t *testing.T) {
	fallback := 500 * time.Millisecond

	t.Setenv("PODBOT_REFRESH_DEBOUNCE_MS", "")
	if RefreshDebounce(fallback) != fallback {
		t.Fatalf("expected default debounce")
	}

	t.Setenv("PODBOT_REFRESH_DEBOUNCE_MS", "not-a-number")
	if RefreshDebounce(fallback) != fallback {
		t.Fatalf("expected fallback debounce on parse error")
	}

	t.Setenv("PODBOT_REFRESH_DEBOUNCE_MS", "-10")
	if RefreshDebounce(fallback) != fallback {
		t.Fatalf("expected fallback debounce on negative value")
	}
}

func TestValidateListenAddr(t *testing.T) {
	valid := []string{"127.0.0.1:8080", "localhost:9000", "[::1]:7000"}
	for _, addr := range valid {
		if err := ValidateListenAddr(addr); err != nil {
			t.Fatalf("expected %s to be valid: %v", addr, err)
		}
	}

	invalid := []string{"0.0.0.0:80", "192.168.1.1:1234", ":8080"}
	for _, addr := range invalid {
		if err := ValidateListenAddr(addr); err == nil {
			t.Fatalf("expected %s to be rejected", addr)
		}
	}
}

func assertSamePath(t *testing.T, got, want string) {
	t.Helper()
	resolvedGot, err := filepath.EvalSymlinks(got)
	if err != nil {
		t.Fatalf("eval symlinks for %s: %v", got, err)
	}
	resolvedWant, err := filepath.EvalSymlinks(want)
	if err != nil {
		t.Fatalf("eval symlinks for %s: %v", want, err)
	}
	if resolvedGot != resolvedWant {
		t.Fatalf("expected %s, got %s", resolvedWant, resolvedGot)
	}
}
