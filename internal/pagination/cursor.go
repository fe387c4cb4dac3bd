// Package pagination encodes keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/taskpay/internal/apperr"
)

// ErrInvalidCursor is returned for a cursor this package did not produce.
var ErrInvalidCursor = apperr.Validation("cursor", "is invalid")

// Cursor is the (createdAt, key) of the last row on the previous page.
// The next page holds rows strictly older than it.
type Cursor struct {
	CreatedAt time.Time
	Key       string
}

// Before reports whether a row sorts after the cursor in a newest-first
// listing ordered by (createdAt DESC, key DESC).
func (c *Cursor) Before(createdAt time.Time, key string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return key < c.Key
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns an opaque cursor string.
func Encode(createdAt time.Time, key string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Empty input means the first page
// and returns nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, key, ok := strings.Cut(string(raw), "|")
	if !ok || key == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), Key: key}, nil
}

// ComputePage trims items fetched with limit+1 and returns the cursor for
// the next page when more rows exist.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, key := extractKey(items[len(items)-1])
	return items, Encode(createdAt, key), true
}
