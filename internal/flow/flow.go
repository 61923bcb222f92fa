// Package flow drives the chat conversation: listing episodes, handling a
// selection, asking whether a cached file should be reused, and reporting
// the outcome of an acquisition.
package flow

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"podcast-bot/internal/fetch"
	"podcast-bot/internal/models"
	"podcast-bot/internal/pipeline"
	"podcast-bot/internal/session"
)

// Callback payloads of the cache confirmation prompt.
const (
	PayloadYes = "yes"
	PayloadNo  = "no"
)

const (
	msgNotAllowed     = "You have not been whitelisted"
	msgCatalogFailed  = "Failed to get episodes"
	msgNoEpisodes     = "No episodes found"
	msgDownloading    = "Downloading this episode"
	msgNormalizing    = "Normalizing audio, this will also take a bit..."
	msgDownloadFailed = "Failed to download this episode"
	msgContextLost    = "Episode context was lost, send /start to list episodes again"

	cachedDateLayout = "02.01.2006 15:04"
)

// Button is an inline keyboard button carrying a callback payload.
type Button struct {
	Label string
	Data  string
}

// Message is an outgoing chat message. A non-empty PhotoURL sends a photo
// with Text as its caption.
type Message struct {
	ChatID   int64
	ReplyTo  int
	Text     string
	PhotoURL string
	Buttons  []Button
}

// Messenger delivers messages.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// Catalog lists the current episodes.
type Catalog interface {
	ListEpisodes(ctx context.Context) ([]models.Episode, error)
}

// Acquirer produces the artifact for an episode.
type Acquirer interface {
	Acquire(ctx context.Context, id string, forceRefetch bool, progress pipeline.ProgressFunc) (models.Artifact, error)
}

// Cache reports existing artifacts.
type Cache interface {
	Artifact(id string) (models.Artifact, bool)
}

// AllowList decides which users may use the bot.
type AllowList interface {
	Allowed(userID int64) bool
}

// Command is a listing request.
type Command struct {
	ChatID    int64
	UserID    int64
	MessageID int
}

// Callback is a button press.
type Callback struct {
	ID        string
	ChatID    int64
	UserID    int64
	MessageID int
	Data      string
}

// Dependencies are the collaborators of a Machine. Link builds the public
// download URL of an episode; Location formats cache dates and defaults to
// the local zone.
type Dependencies struct {
	Messenger Messenger
	Catalog   Catalog
	Acquirer  Acquirer
	Cache     Cache
	AllowList AllowList
	Sessions  *session.Store
	Link      func(id string) string
	Location  *time.Location
}

// Machine handles commands and callbacks. Calls for one chat must not run
// concurrently; calls for different chats may.
type Machine struct {
	deps   Dependencies
	logger *log.Logger
}

// New returns a Machine.
func New(deps Dependencies, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore(0, 0)
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Machine{deps: deps, logger: logger}
}

// HandleStart answers a listing request with one card per episode.
func (m *Machine) HandleStart(ctx context.Context, cmd Command) {
	if !m.deps.AllowList.Allowed(cmd.UserID) {
		m.logger.Printf("rejected listing request from user %d", cmd.UserID)
		m.send(ctx, Message{ChatID: cmd.ChatID, ReplyTo: cmd.MessageID, Text: msgNotAllowed})
		return
	}

	episodes, err := m.deps.Catalog.ListEpisodes(ctx)
	if err != nil {
		m.logger.Printf("failed to get episodes: %v", err)
		m.send(ctx, Message{ChatID: cmd.ChatID, ReplyTo: cmd.MessageID, Text: msgCatalogFailed})
		return
	}

	m.deps.Sessions.ReplaceListing(cmd.ChatID, episodes)
	if len(episodes) == 0 {
		m.send(ctx, Message{ChatID: cmd.ChatID, Text: msgNoEpisodes})
		return
	}

	titles := make([]string, len(episodes))
	for i, episode := range episodes {
		titles[i] = episode.Title
	}
	m.logger.Printf("found episodes %s", strings.Join(titles, ", "))

	for _, episode := range episodes {
		m.send(ctx, Message{
			ChatID:   cmd.ChatID,
			Text:     episode.Title,
			PhotoURL: episode.ThumbnailURL,
			Buttons:  []Button{{Label: "Download", Data: episode.ID}},
		})
	}
}

// HandleCallback handles a button press. Acknowledging the press is left to
// the transport, which must not wait for this call.
func (m *Machine) HandleCallback(ctx context.Context, cb Callback) {
	if !m.deps.AllowList.Allowed(cb.UserID) {
		m.logger.Printf("ignored callback from user %d", cb.UserID)
		return
	}

	switch cb.Data {
	case PayloadYes:
		m.confirm(ctx, cb, false)
	case PayloadNo:
		m.confirm(ctx, cb, true)
	default:
		m.selectEpisode(ctx, cb)
	}
}

func (m *Machine) selectEpisode(ctx context.Context, cb Callback) {
	id := cb.Data
	episode, ok := m.deps.Sessions.Get(cb.ChatID).FindEpisode(id)
	if !ok {
		m.logger.Printf("warning: episode %s not found in session for chat %d", id, cb.ChatID)
		episode = models.Episode{ID: id, Title: fetch.WatchURL(id)}
	}
	m.deps.Sessions.Select(cb.ChatID, episode)

	if artifact, cached := m.deps.Cache.Artifact(id); cached {
		created := artifact.CreatedAt.In(m.deps.Location).Format(cachedDateLayout)
		m.send(ctx, Message{
			ChatID:  cb.ChatID,
			ReplyTo: cb.MessageID,
			Text:    "Found a cached file from " + created + ", do you want to use it?",
			Buttons: []Button{
				{Label: "Yes", Data: PayloadYes},
				{Label: "No", Data: PayloadNo},
			},
		})
		return
	}

	m.logger.Printf("downloading episode %s", episode.Title)
	m.deliver(ctx, cb, episode, false, true)
}

func (m *Machine) confirm(ctx context.Context, cb Callback, forceRefetch bool) {
	selected := m.deps.Sessions.Get(cb.ChatID).Selected
	if selected == nil {
		m.logger.Printf("confirmation %q from chat %d without a selected episode", cb.Data, cb.ChatID)
		m.send(ctx, Message{ChatID: cb.ChatID, ReplyTo: cb.MessageID, Text: msgContextLost})
		return
	}

	if forceRefetch {
		m.logger.Printf("re-downloading episode %s", selected.Title)
	} else {
		m.logger.Printf("using cached episode %s", selected.Title)
	}
	m.deliver(ctx, cb, *selected, forceRefetch, forceRefetch)
}

// deliver acquires the episode and reports the link. announce sends the
// download notice up front; otherwise it is sent only once a fetch is
// reported, including one started by another chat that this call joined.
func (m *Machine) deliver(ctx context.Context, cb Callback, episode models.Episode, forceRefetch, announce bool) {
	reply := func(text string) {
		m.send(ctx, Message{ChatID: cb.ChatID, ReplyTo: cb.MessageID, Text: text})
	}

	var downloading atomic.Bool
	if announce {
		downloading.Store(true)
		reply(msgDownloading)
	}
	progress := func(stage pipeline.Stage) {
		switch stage {
		case pipeline.StageFetching:
			if downloading.CompareAndSwap(false, true) {
				reply(msgDownloading)
			}
		case pipeline.StageNormalizing:
			reply(msgNormalizing)
		}
	}

	artifact, err := m.deps.Acquirer.Acquire(ctx, episode.ID, forceRefetch, progress)
	if err != nil {
		m.logger.Printf("failed to download episode %s: %v", episode.ID, err)
		reply(msgDownloadFailed)
		return
	}

	link := m.deps.Link(artifact.EpisodeID)
	if downloading.Load() {
		reply("Download completed, get the file from " + link)
		return
	}
	reply("Using cached file, get it from " + link)
}

func (m *Machine) send(ctx context.Context, msg Message) {
	if err := m.deps.Messenger.Send(ctx, msg); err != nil {
		m.logger.Printf("failed to send message to chat %d: %v", msg.ChatID, err)
	}
}
