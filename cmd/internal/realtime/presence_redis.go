package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresence mirrors presence into Redis so other instances can look it up.
//
// Keys:
//   - <prefix>:conn:<userID>     set of live session IDs, expires after ttl
//   - <prefix>:presence:<userID> JSON {status, instance, lastSeen}
type RedisPresence struct {
	rdb      redis.UniversalClient
	prefix   string
	instance string
	ttl      time.Duration
	now      func() time.Time
}

// PresenceStatus is the JSON stored under the presence key.
type PresenceStatus struct {
	Status   string `json:"status"`
	Instance string `json:"instance,omitempty"`
	LastSeen int64  `json:"lastSeen"`
}

// NewRedisPresence builds a mirror. ttl bounds how long a crashed instance's
// sessions keep a user online.
func NewRedisPresence(rdb redis.UniversalClient, prefix, instance string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "duet"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisPresence{rdb: rdb, prefix: prefix, instance: instance, ttl: ttl, now: time.Now}
}

func (r *RedisPresence) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", r.prefix, userID)
}

func (r *RedisPresence) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, userID)
}

// Online implements PresenceMirror.
func (r *RedisPresence) Online(ctx context.Context, userID, sessionID string) error {
	b, err := json.Marshal(PresenceStatus{Status: "online", Instance: r.instance, LastSeen: r.now().Unix()})
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, r.connKey(userID), sessionID)
	pipe.Expire(ctx, r.connKey(userID), r.ttl)
	pipe.Set(ctx, r.presenceKey(userID), b, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Offline implements PresenceMirror. The user turns offline only when no
// session remains on any instance.
func (r *RedisPresence) Offline(ctx context.Context, userID, sessionID string) error {
	if err := r.rdb.SRem(ctx, r.connKey(userID), sessionID).Err(); err != nil {
		return err
	}
	n, err := r.rdb.SCard(ctx, r.connKey(userID)).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	b, err := json.Marshal(PresenceStatus{Status: "offline", LastSeen: r.now().Unix()})
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.presenceKey(userID), b, 0).Err()
}

// Status returns the mirrored status of userID. Unknown users are offline.
func (r *RedisPresence) Status(ctx context.Context, userID string) (PresenceStatus, error) {
	b, err := r.rdb.Get(ctx, r.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PresenceStatus{Status: "offline"}, nil
	}
	if err != nil {
		return PresenceStatus{}, err
	}
	var st PresenceStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return PresenceStatus{}, err
	}
	return st, nil
}
