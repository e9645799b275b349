package realtime

import (
	"time"

	"duet/cmd/identity/ids"
	v1 "duet/shared/contracts/realtime/v1"
)

// NewSessionID returns a ULID for a websocket session.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newServerEnvelope stamps a server-originated envelope with a ULID and the current time.
func newServerEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.NewEnvelope(typ, id, now, payload)
}
