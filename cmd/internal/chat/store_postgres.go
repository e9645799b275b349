package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"duet/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a ConversationStore and MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - The active pair is guarded by a partial unique index on pair_key
//     (WHERE deleted_at IS NULL); creation is insert-or-read.
//   - Appends take a per-conversation transactional advisory lock so
//     created_at is strictly increasing within a conversation.
//
// Schema lives in migrations/0001_chat.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "duet").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "duet",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

const pgConversationCols = `id, participant_a, participant_b, last_message, last_message_at, last_message_by, created_at, updated_at, deleted_at`

const pgMessageCols = `id, conversation_id, sender_id, type, content, file_name, read, read_at, deleted_at, created_at`

// CreateOrGetActive implements ConversationStore.
func (s *PostgresStore) CreateOrGetActive(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return Conversation{}, false, errors.New("chat: invalid pair")
	}

	conversations := pgIdent(s.schema, "conversations")
	pair := SortedPair(a, b)
	key := PairKey(a, b)

	// A conflicting row may be tombstoned between the insert and the read;
	// a couple of attempts covers that window.
	for attempt := 0; attempt < 3; attempt++ {
		id, err := ids.NewULID(now)
		if err != nil {
			return Conversation{}, false, err
		}

		c, err := scanConversation(s.pool.QueryRow(ctx,
			`INSERT INTO `+conversations+` (id, participant_a, participant_b, pair_key, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)
			 ON CONFLICT (pair_key) WHERE deleted_at IS NULL DO NOTHING
			 RETURNING `+pgConversationCols,
			id, pair[0], pair[1], key, now,
		))
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
		}

		c, err = scanConversation(s.pool.QueryRow(ctx,
			`SELECT `+pgConversationCols+`
			   FROM `+conversations+`
			  WHERE pair_key = $1 AND deleted_at IS NULL`,
			key,
		))
		if err == nil {
			return c, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, false, err
		}
	}
	return Conversation{}, false, errors.New("chat: active pair changed concurrently")
}

// FindByID implements ConversationStore.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationCols+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// ListActiveForUser implements ConversationStore.
func (s *PostgresStore) ListActiveForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgConversationCols+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE (participant_a = $1 OR participant_b = $1) AND deleted_at IS NULL
		  ORDER BY last_message_at DESC NULLS LAST, updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateLastMessage implements ConversationStore.
func (s *PostgresStore) UpdateLastMessage(ctx context.Context, id string, last LastMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+`
		    SET last_message = $2, last_message_at = $3, last_message_by = $4, updated_at = $3
		  WHERE id = $1`,
		id, last.Text, last.At, last.By,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Tombstone implements ConversationStore.
func (s *PostgresStore) Tombstone(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+`
		    SET deleted_at = $2, updated_at = $2
		  WHERE id = $1 AND deleted_at IS NULL`,
		id, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Append implements MessageStore.
func (s *PostgresStore) Append(ctx context.Context, m Message) (Message, error) {
	if m.ConversationID == "" || m.SenderID == "" {
		return Message{}, errors.New("chat: invalid message")
	}
	now := m.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, m.ConversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(created_at) FROM `+messages+` WHERE conversation_id = $1`,
		m.ConversationID,
	).Scan(&last); err != nil {
		return Message{}, err
	}

	at := now.UTC().Truncate(time.Microsecond)
	if last != nil && !at.After(*last) {
		at = last.UTC().Add(time.Microsecond)
	}

	id, err := ids.NewULID(at)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, type, content, file_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		id, m.ConversationID, m.SenderID, string(m.Type), m.Content, m.FileName, at,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	out := m
	out.ID = id
	out.CreatedAt = at
	out.Sender = nil
	out.Read = false
	out.ReadAt = nil
	return out, nil
}

// Page implements MessageStore.
func (s *PostgresStore) Page(ctx context.Context, conversationID string, before *time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgMessageCols+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND deleted_at IS NULL
			  ORDER BY created_at DESC
			  LIMIT $2`,
			conversationID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgMessageCols+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND deleted_at IS NULL AND created_at < $2
			  ORDER BY created_at DESC
			  LIMIT $3`,
			conversationID, *before, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestUnreadFrom implements MessageStore.
func (s *PostgresStore) LatestUnreadFrom(ctx context.Context, conversationID, readerID string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+pgMessageCols+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1 AND sender_id <> $2 AND read = false AND deleted_at IS NULL
		  ORDER BY created_at DESC
		  LIMIT 1`,
		conversationID, readerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// MarkRead implements MessageStore.
func (s *PostgresStore) MarkRead(ctx context.Context, messageID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET read = true, read_at = $2
		  WHERE id = $1 AND read = false`,
		messageID, now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CountUnread implements MessageStore.
func (s *PostgresStore) CountUnread(ctx context.Context, conversationID, readerID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1 AND sender_id <> $2 AND read = false AND deleted_at IS NULL`,
		conversationID, readerID,
	).Scan(&n)
	return n, err
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c      Conversation
		last   *string
		lastBy *string
	)
	if err := row.Scan(
		&c.ID,
		&c.Participants[0],
		&c.Participants[1],
		&last,
		&c.LastAt,
		&lastBy,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.DeletedAt,
	); err != nil {
		return Conversation{}, err
	}
	if last != nil {
		c.LastMessage = *last
	}
	if lastBy != nil {
		c.LastBy = *lastBy
	}
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		typ      string
		fileName *string
	)
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&typ,
		&m.Content,
		&fileName,
		&m.Read,
		&m.ReadAt,
		&m.DeletedAt,
		&m.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	if fileName != nil {
		m.FileName = *fileName
	}
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
