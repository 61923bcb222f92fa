// Package server exposes the cache directory read-only over HTTP, together
// with a JSON listing and an RSS feed of the downloaded episodes.
package server

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"podcast-bot/internal/cache"
	"podcast-bot/internal/models"
)

// OutputPrefix is the URL path under which artifacts are served.
const OutputPrefix = "/output/"

// ArtifactProvider lists the artifacts known to the library.
type ArtifactProvider interface {
	List() []models.ArtifactInfo
}

// FileResolver maps an episode id to its artifact path.
type FileResolver interface {
	Path(id string) (string, error)
}

// FeedMetadata describes the static information necessary to render the RSS feed.
type FeedMetadata struct {
	Title       string
	Description string
	Language    string
	Author      string
}

// Options configures the gateway. Link returns the public URL of an
// artifact; when nil, feed links are derived from the request host.
type Options struct {
	Feed FeedMetadata
	Link func(id string) string
}

type serverHandler struct {
	lib    ArtifactProvider
	files  FileResolver
	opts   Options
	logger *log.Logger
}

// New creates the HTTP handler of the delivery gateway.
func New(lib ArtifactProvider, files FileResolver, opts Options, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}

	if opts.Feed.Title == "" {
		opts.Feed.Title = "Podcast Bot"
	}
	if opts.Feed.Description == "" {
		opts.Feed.Description = opts.Feed.Title
	}

	h := &serverHandler{
		lib:    lib,
		files:  files,
		opts:   opts,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/episodes", h.handleEpisodes)
	mux.HandleFunc("/feed", h.handleFeed)
	mux.HandleFunc("/feed.xml", h.handleFeed)
	mux.HandleFunc(OutputPrefix, h.handleOutput)

	return logRequests(mux, logger)
}

func (h *serverHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *serverHandler) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.lib.List()); err != nil {
		h.logger.Printf("failed to encode artifacts: %v", err)
	}
}

func (h *serverHandler) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	base := requestBaseURL(r)
	if base == nil {
		h.logger.Printf("unable to determine request base URL")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	data, err := h.buildRSSFeed(base, r.URL.Path, h.lib.List())
	if err != nil {
		h.logger.Printf("failed to build RSS feed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		h.logger.Printf("failed to write RSS feed: %v", err)
	}
}

// handleOutput serves "<id>.mp3" from the cache directory. Anything that is
// not a well-formed artifact name is a 404, so no other file is reachable.
func (h *serverHandler) handleOutput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, OutputPrefix)
	id, ok := strings.CutSuffix(name, cache.ArtifactExt)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	path, err := h.files.Path(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.logger.Printf("failed to stat artifact %s: %v", path, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !info.Mode().IsRegular() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, path)
}

func (h *serverHandler) link(base *url.URL, id string) string {
	if h.opts.Link != nil {
		return h.opts.Link(id)
	}
	link := *base
	link.Path = OutputPrefix + id + cache.ArtifactExt
	link.RawQuery = ""
	return link.String()
}

func requestBaseURL(r *http.Request) *url.URL {
	scheme := "http"
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); forwarded != "" {
		if candidate := strings.TrimSpace(strings.Split(forwarded, ",")[0]); candidate != "" {
			scheme = candidate
		}
	} else if r.TLS != nil {
		scheme = "https"
	}

	host := strings.TrimSpace(r.Host)
	if host == "" {
		return nil
	}

	return &url.URL{Scheme: scheme, Host: host}
}

// buildRSSFeed renders the artifacts, which the library keeps newest first.
func (h *serverHandler) buildRSSFeed(base *url.URL, requestPath string, artifacts []models.ArtifactInfo) ([]byte, error) {
	feedURL := *base
	feedURL.Path = requestPath

	lastBuild := time.Now().UTC()
	if len(artifacts) > 0 && !artifacts[0].ModifiedAt.IsZero() {
		lastBuild = artifacts[0].ModifiedAt.UTC()
	}

	rss := rssFeed{
		Version:  "2.0",
		AtomNS:   "http://www.w3.org/2005/Atom",
		ITunesNS: "http://www.itunes.com/dtds/podcast-1.0.dtd",
		Channel: rssChannel{
			Title:         h.opts.Feed.Title,
			Link:          base.String(),
			Description:   h.opts.Feed.Description,
			Language:      h.opts.Feed.Language,
			LastBuildDate: lastBuild.Format(time.RFC1123Z),
			Generator:     "podcast-bot",
			ITunesAuthor:  h.opts.Feed.Author,
			AtomLink: rssAtomLink{
				Href: feedURL.String(),
				Rel:  "self",
				Type: "application/rss+xml",
			},
		},
	}

	for _, artifact := range artifacts {
		link := h.link(base, artifact.ID)
		item := rssItem{
			Title:       artifact.Title,
			Link:        link,
			GUID:        rssGUID{IsPermaLink: "false", Value: artifact.ID},
			Description: artifact.Filename,
			Enclosure: rssEnclosure{
				URL:    link,
				Length: artifact.FilesizeBytes,
				Type:   "audio/mpeg",
			},
		}
		if !artifact.ModifiedAt.IsZero() {
			item.PubDate = artifact.ModifiedAt.UTC().Format(time.RFC1123Z)
		}
		if artifact.DurationSeconds != nil {
			item.ITunesDuration = formatDuration(*artifact.DurationSeconds)
		}
		if artifact.Artist != nil {
			item.ITunesAuthor = *artifact.Artist
		} else {
			item.ITunesAuthor = h.opts.Feed.Author
		}

		rss.Channel.Items = append(rss.Channel.Items, item)
	}

	output, err := xml.MarshalIndent(rss, "", "  ")
	if err != nil {
		return nil, err
	}

	return append([]byte(xml.Header), output...), nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func logRequests(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		logger.Printf("%s %s -> %d (%dB) in %s", r.Method, r.URL.Path, sw.status, sw.size, time.Since(start))
	})
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	total := int64(seconds + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

type rssFeed struct {
	XMLName  xml.Name   `xml:"rss"`
	Version  string     `xml:"version,attr"`
	AtomNS   string     `xml:"xmlns:atom,attr"`
	ITunesNS string     `xml:"xmlns:itunes,attr"`
	Channel  rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string      `xml:"title"`
	Link          string      `xml:"link"`
	Description   string      `xml:"description"`
	Language      string      `xml:"language,omitempty"`
	LastBuildDate string      `xml:"lastBuildDate"`
	Generator     string      `xml:"generator"`
	AtomLink      rssAtomLink `xml:"atom:link"`
	ITunesAuthor  string      `xml:"itunes:author,omitempty"`
	Items         []rssItem   `xml:"item"`
}

type rssAtomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type rssItem struct {
	Title          string       `xml:"title"`
	Link           string       `xml:"link"`
	GUID           rssGUID      `xml:"guid"`
	PubDate        string       `xml:"pubDate,omitempty"`
	Description    string       `xml:"description"`
	Enclosure      rssEnclosure `xml:"enclosure"`
	ITunesDuration string       `xml:"itunes:duration,omitempty"`
	ITunesAuthor   string       `xml:"itunes:author,omitempty"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}
