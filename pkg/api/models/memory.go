// Package models defines API request/response data structures.
package models

import (
	"time"

	"github.com/goclaw/memlayer/pkg/memory"
)

// StoreEntryRequest is the body of POST /api/v1/memory/entries.
type StoreEntryRequest struct {
	// Key is the unique entry identifier.
	Key string `json:"key" validate:"required,max=512" example:"session-42/last-intent"`

	// Value is the application payload.
	Value map[string]any `json:"value" validate:"required"`

	Type  memory.Type  `json:"type,omitempty" validate:"omitempty,oneof=short_term medium_term long_term" example:"short_term"`
	Scope memory.Scope `json:"scope,omitempty" validate:"omitempty,oneof=session agent global" example:"session"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// TTL is a Go duration string such as "15m". It is ignored when
	// ExpiresAt is set.
	TTL string `json:"ttl,omitempty" example:"15m"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Indices []memory.IndexType `json:"indices,omitempty" validate:"omitempty,dive,oneof=semantic temporal spatial causal contextual"`
}

// SimilarRequest is the body of POST /api/v1/memory/similar. Exactly one of
// Text or Embedding is used; Embedding wins when both are set.
type SimilarRequest struct {
	Text      string    `json:"text,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Limit     int       `json:"limit,omitempty" validate:"omitempty,min=1,max=1000"`
}

// ResultsResponse wraps the results of a retrieve or search.
type ResultsResponse struct {
	Results []memory.SearchResult `json:"results"`
	Count   int                   `json:"count"`
}

// SimilarHit is one nearest-neighbour result.
type SimilarHit struct {
	Entry      memory.Entry `json:"entry"`
	Similarity float32      `json:"similarity"`
}

// SimilarResponse wraps similarity results.
type SimilarResponse struct {
	Results []SimilarHit `json:"results"`
	Count   int          `json:"count"`
}

// ExistsResponse is returned by GET /api/v1/memory/entries/{key}/exists.
type ExistsResponse struct {
	Key    string `json:"key"`
	Exists bool   `json:"exists"`
}

// DeleteResponse is returned by single-key deletes.
type DeleteResponse struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

// CountResponse reports how many entries an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// CleanupResponse is returned by POST /api/v1/memory/cleanup.
type CleanupResponse struct {
	Removed int            `json:"removed"`
	Stores  map[string]int `json:"stores,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// StoreStatus describes one backend in the status report.
type StoreStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version     string        `json:"version"`
	Environment string        `json:"environment,omitempty"`
	Uptime      string        `json:"uptime"`
	Stores      []StoreStatus `json:"stores"`
	Sweeper     *SweeperState `json:"sweeper,omitempty"`
	Streams     int           `json:"streams"`
}

// SweeperState reports the expiry sweeper.
type SweeperState struct {
	Running  bool   `json:"running"`
	Schedule string `json:"schedule"`
}
