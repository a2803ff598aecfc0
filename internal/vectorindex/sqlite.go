package vectorindex

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex keeps vectors in the feedback_vectors table and answers
// queries with a brute-force cosine scan. The table is created by the
// storage migrations.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLite wraps an existing *sql.DB.
func NewSQLite(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Upsert inserts entries or replaces the vector and metadata of existing ids.
func (s *SQLiteIndex) Upsert(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("upserting vector: empty id")
		}
		if len(e.Values) == 0 {
			return fmt.Errorf("upserting vector %s: empty values", e.ID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feedback_vectors (id, embedding, category, sentiment, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			category = excluded.category,
			sentiment = excluded.sentiment,
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, encodeFloat32s(e.Values), e.Metadata.Category, e.Metadata.Sentiment, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting vector %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

// Get returns the entry with the given id.
func (s *SQLiteIndex) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT id, embedding, category, sentiment FROM feedback_vectors WHERE id = ?`, id).
		Scan(&e.ID, &blob, &e.Metadata.Category, &e.Metadata.Sentiment)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("getting vector %s: %w", id, err)
	}
	if e.Values, err = decodeFloat32s(blob); err != nil {
		return Entry{}, fmt.Errorf("decoding embedding for %s: %w", id, err)
	}
	return e, nil
}

// Query returns the topK entries most similar to vector, best first.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan id + embedding only and keep a min-heap of the best candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM feedback_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: load full entries for the winners.
	scores := make(map[string]float32, h.Len())
	args := make([]any, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		args = append(args, item.ID)
	}

	fullRows, err := s.db.QueryContext(ctx, `SELECT id, embedding, category, sentiment
		FROM feedback_vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K vectors: %w", err)
	}
	defer fullRows.Close()

	var matches []Match
	for fullRows.Next() {
		var m Match
		var blob []byte
		if err := fullRows.Scan(&m.ID, &blob, &m.Metadata.Category, &m.Metadata.Sentiment); err != nil {
			return nil, fmt.Errorf("scanning vector: %w", err)
		}
		if m.Values, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", m.ID, err)
		}
		m.Score = scores[m.ID]
		matches = append(matches, m)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top-K vectors: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// Delete removes an entry by id.
func (s *SQLiteIndex) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feedback_vectors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting vector %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored entries.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback_vectors`).Scan(&n)
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes into buf, growing it only when needed so a scan
// can reuse one buffer across rows.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine returns dot(a,b)/(|a||b|) given the precomputed norm of a.
// Vectors of different length score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bNormSq)))
}

type idScore struct {
	ID    string
	Score float32
}

// idScoreHeap is a min-heap ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
