package models

import "time"

// Episode is one playlist entry as reported by the catalog.
type Episode struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Artifact is a completed, normalized audio file in the cache directory.
type Artifact struct {
	EpisodeID string    `json:"episode_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactInfo represents the metadata exposed for a single file served by
// the delivery gateway.
type ArtifactInfo struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	Title           string    `json:"title"`
	Artist          *string   `json:"artist,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	BitrateKbps     *int      `json:"bitrate_kbps,omitempty"`
	FilesizeBytes   int64     `json:"filesize_bytes"`
	ModifiedAt      time.Time `json:"modified_at"`
}
