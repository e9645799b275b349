// Package ids generates the sortable identifiers used for conversations,
// messages, sessions and envelopes.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a 26-character ULID stamped with now (UTC now when zero).
// IDs minted in later milliseconds sort after earlier ones.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now()
	}
	id, err := ulid.New(ulid.Timestamp(now.UTC()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
