package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultLimit = 25
	// MaxLimit caps how many rows any cursor query can request.
	MaxLimit = 100
)

// Params holds cursor pagination inputs as they arrive from a request.
type Params struct {
	Limit  int
	Cursor string
}

// Cursor is the keyset position of the last row served. ID is the row key in
// text form so uuid and bigserial keyed tables share one cursor format.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// Window is a normalized request. After is nil on the first page and Fetch is
// one more than Limit so a following page can be detected.
type Window struct {
	Limit int
	Fetch int
	After *Cursor
}

// Window validates the cursor and clamps the limit.
func (p Params) Window() (Window, error) {
	after, err := ParseCursor(p.Cursor)
	if err != nil {
		return Window{}, err
	}
	limit := NormalizeLimit(p.Limit)
	return Window{Limit: limit, Fetch: limit + 1, After: after}, nil
}

// NormalizeLimit enforces the default and maximum page sizes.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Trim cuts rows fetched with w.Fetch down to one page and returns the cursor
// for the next page, or "" when rows was the last page.
func Trim[T any](rows []T, w Window, key func(T) Cursor) ([]T, string) {
	if w.Limit <= 0 || len(rows) <= w.Limit {
		return rows, ""
	}
	page := rows[:w.Limit]
	return page, EncodeCursor(key(page[len(page)-1]))
}

// EncodeCursor renders an opaque, URL-safe cursor.
func EncodeCursor(cursor Cursor) string {
	cursor.CreatedAt = cursor.CreatedAt.UTC()
	raw, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseCursor decodes a cursor produced by EncodeCursor. A blank value is the
// first page and yields nil.
func ParseCursor(value string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if cursor.CreatedAt.IsZero() || strings.TrimSpace(cursor.ID) == "" {
		return nil, errors.New("cursor is missing its position")
	}
	return &cursor, nil
}
