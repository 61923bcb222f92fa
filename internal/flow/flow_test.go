package flow

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"podcast-bot/internal/cache"
	"podcast-bot/internal/models"
	"podcast-bot/internal/pipeline"
	"podcast-bot/internal/session"
)

const baseURL = "https://dl.example.com/output"

type fakeMessenger struct {
	mu   sync.Mutex
	sent []Message
}

func (f *fakeMessenger) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.sent))
	for i, msg := range f.sent {
		texts[i] = msg.Text
	}
	return texts
}

func (f *fakeMessenger) textsFor(chat int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, msg := range f.sent {
		if msg.ChatID == chat {
			texts = append(texts, msg.Text)
		}
	}
	return texts
}

func (f *fakeMessenger) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fakeCatalog struct {
	episodes []models.Episode
	err      error
}

func (c fakeCatalog) ListEpisodes(context.Context) ([]models.Episode, error) {
	return c.episodes, c.err
}

type allowUsers map[int64]bool

func (a allowUsers) Allowed(id int64) bool {
	return a[id]
}

// fakeFetcher writes a raw file for the requested video. hook runs before
// the file is written.
type fakeFetcher struct {
	dir   string
	err   error
	hook  func()
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.calls = append(f.calls, url)
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return "", f.err
	}
	id := url[strings.LastIndex(url, "=")+1:]
	path := filepath.Join(f.dir, id+".raw.webm")
	return path, os.WriteFile(path, []byte("raw"), 0o644)
}

type fakeNormalizer struct {
	calls []string
}

func (n *fakeNormalizer) Normalize(_ context.Context, input string) (string, error) {
	n.calls = append(n.calls, filepath.Base(input))
	base := filepath.Base(input)
	output := filepath.Join(filepath.Dir(input), base[:strings.Index(base, ".")]+".mp3")
	return output, os.WriteFile(output, []byte("fresh"), 0o644)
}

type harness struct {
	machine    *Machine
	messenger  *fakeMessenger
	fetcher    *fakeFetcher
	normalizer *fakeNormalizer
	cache      *cache.Cache
	catalog    *fakeCatalog
	sessions   *session.Store
}

var listing = []models.Episode{
	{ID: "old111", Title: "Oldest", ThumbnailURL: "https://img.example.com/old111.jpg"},
	{ID: "abc123", Title: "Middle", ThumbnailURL: "https://img.example.com/abc123.jpg"},
	{ID: "xyz789", Title: "Newest", ThumbnailURL: "https://img.example.com/xyz789.jpg"},
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	h := &harness{
		messenger:  &fakeMessenger{},
		fetcher:    &fakeFetcher{dir: store.Dir()},
		normalizer: &fakeNormalizer{},
		cache:      store,
		catalog:    &fakeCatalog{episodes: listing},
		sessions:   session.NewStore(0, 0),
	}
	acquirer := pipeline.New(store, h.fetcher, h.normalizer, pipeline.Options{}, logger)
	h.machine = New(Dependencies{
		Messenger: h.messenger,
		Catalog:   h.catalog,
		Acquirer:  acquirer,
		Cache:     store,
		AllowList: allowUsers{42: true},
		Sessions:  h.sessions,
		Link: func(id string) string {
			return baseURL + "/" + id + ".mp3"
		},
		Location: time.UTC,
	}, logger)
	return h
}

func (h *harness) start() {
	h.machine.HandleStart(context.Background(), Command{ChatID: 1, UserID: 42, MessageID: 10})
}

func (h *harness) press(data string) {
	h.machine.HandleCallback(context.Background(), Callback{ID: "cb-" + data, ChatID: 1, UserID: 42, MessageID: 11, Data: data})
}

func (h *harness) seed(t *testing.T, id string, modified time.Time) {
	t.Helper()
	path, _ := h.cache.Path(id)
	if err := os.WriteFile(path, []byte("cached"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.Chtimes(path, modified, modified); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func assertTexts(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected messages %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected messages %q, got %q", want, got)
		}
	}
}

func TestStartSendsEpisodeCards(t *testing.T) {
	h := newHarness(t)
	h.start()

	if len(h.messenger.sent) != len(listing) {
		t.Fatalf("expected %d cards, got %d", len(listing), len(h.messenger.sent))
	}
	for i, msg := range h.messenger.sent {
		episode := listing[i]
		if msg.Text != episode.Title || msg.PhotoURL != episode.ThumbnailURL || msg.ChatID != 1 {
			t.Fatalf("unexpected card %d: %+v", i, msg)
		}
		if len(msg.Buttons) != 1 || msg.Buttons[0].Label != "Download" || msg.Buttons[0].Data != episode.ID {
			t.Fatalf("unexpected buttons on card %d: %+v", i, msg.Buttons)
		}
	}
	if got := h.sessions.Get(1).Listing; len(got) != len(listing) {
		t.Fatalf("expected listing in session, got %+v", got)
	}
}

func TestStartRejectsUnknownUser(t *testing.T) {
	h := newHarness(t)
	h.machine.HandleStart(context.Background(), Command{ChatID: 5, UserID: 99, MessageID: 3})

	assertTexts(t, h.messenger.texts(), "You have not been whitelisted")
	if h.messenger.sent[0].ReplyTo != 3 {
		t.Fatalf("expected reply to the command message")
	}
	if len(h.sessions.Get(5).Listing) != 0 {
		t.Fatalf("expected no session for rejected user")
	}
}

func TestStartCatalogFailure(t *testing.T) {
	h := newHarness(t)
	h.catalog.err = errors.New("catalog unavailable")
	h.start()

	assertTexts(t, h.messenger.texts(), "Failed to get episodes")
}

func TestStartEmptyCatalog(t *testing.T) {
	h := newHarness(t)
	h.catalog.episodes = nil
	h.start()

	assertTexts(t, h.messenger.texts(), "No episodes found")
}

func TestSelectUncachedEpisodeDownloads(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.messenger.reset()

	h.press("abc123")

	assertTexts(t, h.messenger.texts(),
		"Downloading this episode",
		"Normalizing audio, this will also take a bit...",
		"Download completed, get the file from "+baseURL+"/abc123.mp3",
	)
	for _, msg := range h.messenger.sent {
		if msg.ReplyTo != 11 {
			t.Fatalf("expected replies to the pressed message, got %+v", msg)
		}
	}
	if len(h.fetcher.calls) != 1 || len(h.normalizer.calls) != 1 {
		t.Fatalf("expected one fetch and one normalize, got %v %v", h.fetcher.calls, h.normalizer.calls)
	}
	if !h.cache.Exists("abc123") {
		t.Fatalf("expected artifact to be cached")
	}
}

func TestSelectCachedEpisodeAsksForConfirmation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "abc123", time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC))
	h.start()
	h.messenger.reset()

	h.press("abc123")

	assertTexts(t, h.messenger.texts(), "Found a cached file from 07.03.2024 09:05, do you want to use it?")
	buttons := h.messenger.sent[0].Buttons
	if len(buttons) != 2 || buttons[0] != (Button{Label: "Yes", Data: "yes"}) || buttons[1] != (Button{Label: "No", Data: "no"}) {
		t.Fatalf("unexpected confirmation buttons %+v", buttons)
	}
	if len(h.fetcher.calls) != 0 {
		t.Fatalf("expected no fetch before confirmation")
	}
	if selected := h.sessions.Get(1).Selected; selected == nil || selected.Title != "Middle" {
		t.Fatalf("expected selection in session, got %+v", selected)
	}
}

func TestConfirmYesReusesCachedFile(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "abc123", time.Now())
	h.start()
	h.press("abc123")
	h.messenger.reset()

	h.press("yes")

	assertTexts(t, h.messenger.texts(), "Using cached file, get it from "+baseURL+"/abc123.mp3")
	if len(h.fetcher.calls) != 0 || len(h.normalizer.calls) != 0 {
		t.Fatalf("expected cached file to be reused")
	}
}

func TestConfirmYesAfterArtifactVanished(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "abc123", time.Now())
	h.start()
	h.press("abc123")
	if err := h.cache.Evict("abc123"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	h.messenger.reset()

	h.press("yes")

	assertTexts(t, h.messenger.texts(),
		"Downloading this episode",
		"Normalizing audio, this will also take a bit...",
		"Download completed, get the file from "+baseURL+"/abc123.mp3",
	)
}

func TestConfirmNoRefetches(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "abc123", time.Now().Add(-time.Hour))
	h.start()
	h.press("abc123")
	h.messenger.reset()

	h.press("no")

	assertTexts(t, h.messenger.texts(),
		"Downloading this episode",
		"Normalizing audio, this will also take a bit...",
		"Download completed, get the file from "+baseURL+"/abc123.mp3",
	)
	if len(h.fetcher.calls) != 1 || h.fetcher.calls[0] != "https://www.youtube.com/watch?v=abc123" {
		t.Fatalf("expected one fetch of the watch URL, got %v", h.fetcher.calls)
	}
	path, _ := h.cache.Path("abc123")
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "fresh" {
		t.Fatalf("expected refreshed artifact, got %q %v", data, err)
	}
}

func TestFetchFailureReportsGenericError(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = errors.New("HTTP Error 403: Forbidden")
	h.start()
	h.messenger.reset()

	h.press("xyz789")

	assertTexts(t, h.messenger.texts(), "Downloading this episode", "Failed to download this episode")
	if _, err := os.Stat(filepath.Join(h.cache.Dir(), "xyz789.mp3")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no xyz789.mp3, stat err %v", err)
	}
}

func TestSelectUnknownEpisodeFallsBack(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "zzz000", time.Now())

	h.press("zzz000")

	selected := h.sessions.Get(1).Selected
	if selected == nil || selected.ID != "zzz000" || selected.Title != "https://www.youtube.com/watch?v=zzz000" {
		t.Fatalf("expected fallback episode, got %+v", selected)
	}
	if len(h.messenger.sent) != 1 || len(h.messenger.sent[0].Buttons) != 2 {
		t.Fatalf("expected confirmation prompt, got %+v", h.messenger.sent)
	}
}

func TestConfirmWithoutSelection(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.messenger.reset()

	h.press("yes")
	h.press("no")

	assertTexts(t, h.messenger.texts(),
		"Episode context was lost, send /start to list episodes again",
		"Episode context was lost, send /start to list episodes again",
	)
	if len(h.fetcher.calls) != 0 {
		t.Fatalf("expected no fetch without selection")
	}
}

func TestCallbackFromUnknownUserIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.machine.HandleCallback(context.Background(), Callback{ID: "cb", ChatID: 9, UserID: 99, Data: "abc123"})

	if len(h.messenger.sent) != 0 || len(h.fetcher.calls) != 0 {
		t.Fatalf("expected callback to be ignored")
	}
}

func TestNewListingClearsSelection(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "abc123", time.Now())
	h.start()
	h.press("abc123")
	h.start()
	h.messenger.reset()

	h.press("yes")

	assertTexts(t, h.messenger.texts(), "Episode context was lost, send /start to list episodes again")
}

func TestConfirmYesJoiningAnotherChatsDownload(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.fetcher.hook = func() {
		close(started)
		<-release
	}
	h.start()
	h.messenger.reset()
	// Chat 2 answered a cache prompt for the same episode earlier.
	h.sessions.Select(2, listing[1])

	first := make(chan struct{})
	go func() {
		defer close(first)
		h.press("abc123")
	}()
	<-started

	second := make(chan struct{})
	go func() {
		defer close(second)
		h.machine.HandleCallback(context.Background(), Callback{ID: "cb-2", ChatID: 2, UserID: 42, MessageID: 21, Data: PayloadYes})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.messenger.textsFor(2)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected chat 2 to be told about the running download")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	<-first
	<-second

	want := []string{
		"Downloading this episode",
		"Normalizing audio, this will also take a bit...",
		"Download completed, get the file from " + baseURL + "/abc123.mp3",
	}
	assertTexts(t, h.messenger.textsFor(1), want...)
	assertTexts(t, h.messenger.textsFor(2), want...)
	if len(h.fetcher.calls) != 1 {
		t.Fatalf("expected the download to be shared, got %v", h.fetcher.calls)
	}
}
