// Package catalog lists the most recent entries of the configured playlist.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"podcast-bot/internal/models"
)

// DefaultLimit is the number of playlist entries retrieved per listing.
const DefaultLimit = 5

// ErrCatalogUnavailable wraps every failure to fetch or parse the playlist.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

const feedURLPrefix = "https://www.youtube.com/feeds/videos.xml?playlist_id="

// FeedURL returns the public Atom feed URL of a playlist.
func FeedURL(playlistID string) string {
	return feedURLPrefix + url.QueryEscape(playlistID)
}

// Resolver reads one playlist's feed.
type Resolver struct {
	feedURL string
	limit   int
	parser  *gofeed.Parser
}

// NewResolver returns a Resolver for playlistID. A limit below one means
// DefaultLimit; a nil client uses http.DefaultClient.
func NewResolver(playlistID string, limit int, client *http.Client) *Resolver {
	return newResolver(FeedURL(playlistID), limit, client)
}

func newResolver(feedURL string, limit int, client *http.Client) *Resolver {
	if limit < 1 {
		limit = DefaultLimit
	}
	if client == nil {
		client = http.DefaultClient
	}
	parser := gofeed.NewParser()
	parser.Client = client
	return &Resolver{feedURL: feedURL, limit: limit, parser: parser}
}

// ListEpisodes returns at most limit entries. The feed reports the most
// recent entry first; the result is reversed so the oldest of the batch
// comes first.
func (r *Resolver) ListEpisodes(ctx context.Context) ([]models.Episode, error) {
	feed, err := r.parser.ParseURLWithContext(r.feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	episodes := make([]models.Episode, 0, r.limit)
	for _, item := range feed.Items {
		if len(episodes) == r.limit {
			break
		}
		episode, ok := episodeFromItem(item)
		if !ok {
			continue
		}
		episodes = append(episodes, episode)
	}

	for i, j := 0, len(episodes)-1; i < j; i, j = i+1, j-1 {
		episodes[i], episodes[j] = episodes[j], episodes[i]
	}
	return episodes, nil
}

func episodeFromItem(item *gofeed.Item) (models.Episode, bool) {
	if item == nil {
		return models.Episode{}, false
	}
	id := extensionValue(item.Extensions, "yt", "videoId")
	if id == "" {
		id = strings.TrimPrefix(strings.TrimSpace(item.GUID), "yt:video:")
	}
	if id == "" || strings.Contains(id, ":") {
		return models.Episode{}, false
	}

	thumbnail := lastThumbnail(item.Extensions)
	if thumbnail == "" && item.Image != nil {
		thumbnail = item.Image.URL
	}
	if thumbnail == "" {
		thumbnail = "https://i.ytimg.com/vi/" + url.PathEscape(id) + "/hqdefault.jpg"
	}

	return models.Episode{
		ID:           id,
		Title:        strings.TrimSpace(item.Title),
		ThumbnailURL: thumbnail,
	}, true
}

func extensionValue(extensions ext.Extensions, namespace, name string) string {
	values := extensions[namespace][name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

// lastThumbnail returns the last media:thumbnail of the entry, which is the
// largest one when several are listed.
func lastThumbnail(extensions ext.Extensions) string {
	media := extensions["media"]
	var thumbnails []ext.Extension
	thumbnails = append(thumbnails, media["thumbnail"]...)
	for _, group := range media["group"] {
		thumbnails = append(thumbnails, group.Children["thumbnail"]...)
	}
	for i := len(thumbnails) - 1; i >= 0; i-- {
		if value := strings.TrimSpace(thumbnails[i].Attrs["url"]); value != "" {
			return value
		}
	}
	return ""
}
