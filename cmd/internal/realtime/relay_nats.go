package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	v1 "duet/shared/contracts/realtime/v1"

	"github.com/nats-io/nats.go"
)

const relaySubjectPrefix = "duet.room."

// relayFrame is the NATS payload. Origin lets an instance skip its own frames.
type relayFrame struct {
	Origin         string      `json:"origin"`
	ConversationID string      `json:"conversationId"`
	Except         string      `json:"except,omitempty"`
	Envelope       v1.Envelope `json:"envelope"`
}

// NATSRelay publishes room broadcasts on duet.room.<conversationId> and
// delivers frames from other instances to the local hub.
type NATSRelay struct {
	nc     *nats.Conn
	origin string
	log    *slog.Logger
	sub    *nats.Subscription
}

// NewNATSRelay constructs a relay. origin must be unique per instance.
func NewNATSRelay(nc *nats.Conn, origin string, log *slog.Logger) (*NATSRelay, error) {
	if nc == nil {
		return nil, errors.New("realtime: nil nats connection")
	}
	if strings.TrimSpace(origin) == "" {
		return nil, errors.New("realtime: empty relay origin")
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSRelay{nc: nc, origin: origin, log: log}, nil
}

func relaySubject(conversationID string) string { return relaySubjectPrefix + conversationID }

// Publish implements Relay.
func (r *NATSRelay) Publish(_ context.Context, conversationID string, env v1.Envelope, exceptSession string) error {
	b, err := json.Marshal(relayFrame{
		Origin:         r.origin,
		ConversationID: conversationID,
		Except:         exceptSession,
		Envelope:       env,
	})
	if err != nil {
		return err
	}
	return r.nc.Publish(relaySubject(conversationID), b)
}

// Start subscribes to every room subject and attaches the relay to hub.
func (r *NATSRelay) Start(hub *Hub) error {
	sub, err := r.nc.Subscribe(relaySubjectPrefix+"*", func(m *nats.Msg) {
		var f relayFrame
		if err := json.Unmarshal(m.Data, &f); err != nil {
			r.log.Warn("relay.decode.fail", "subject", m.Subject, "err", err)
			return
		}
		if f.Origin == r.origin {
			return
		}
		hub.DeliverRelayed(f.ConversationID, f.Envelope, f.Except)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	hub.SetRelay(r)
	return nil
}

// Close drops the subscription. The NATS connection is owned by the caller.
func (r *NATSRelay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
