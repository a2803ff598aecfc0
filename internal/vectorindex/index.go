// Package vectorindex stores feedback embeddings keyed by feedback id, with a
// small metadata payload, and answers cosine-similarity queries.
package vectorindex

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entry has the requested id.
var ErrNotFound = errors.New("vector entry not found")

// Metadata is the payload attached to every entry.
type Metadata struct {
	Category  string `json:"category"`
	Sentiment string `json:"sentiment"`
}

// Entry is one vector keyed by the stringified feedback id.
type Entry struct {
	ID       string    `json:"id"`
	Values   []float32 `json:"values"`
	Metadata Metadata  `json:"metadata"`
}

// Match is an Entry returned by Query with its similarity score.
type Match struct {
	Entry
	Score float32 `json:"score"`
}

// Index is the contract the ingestion pipeline and operators rely on.
// Query is part of the contract even though ingestion only upserts.
type Index interface {
	Upsert(ctx context.Context, entries []Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}
