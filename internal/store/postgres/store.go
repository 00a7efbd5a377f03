// Package postgres implements the chat collaborators on PostgreSQL using a
// pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/campuschat/internal/chat"
)

//go:embed schema.sql
var schema string

// Connect creates a pgx connection pool using the provided DSN and verifies
// the connection with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = 1 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return pool, nil
}

// Store implements chat.MessageStore, chat.BlockList, chat.Profiles and
// chat.IdentitySource.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var (
	_ chat.MessageStore   = (*Store)(nil)
	_ chat.BlockList      = (*Store)(nil)
	_ chat.Profiles       = (*Store)(nil)
	_ chat.IdentitySource = (*Store)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Migrate creates the tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Save(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	stored := &chat.Message{
		ID:         uuid.NewString(),
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		CollegeID:  msg.CollegeID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, sender_id, sender_name, college_id, receiver_id, body, created_at)
		VALUES ($1::uuid, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
	`, stored.ID, stored.SenderID, stored.SenderName, stored.CollegeID, stored.ReceiverID, stored.Text, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert message: %w", err)
	}
	return stored, nil
}

func (s *Store) AppendDelivery(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	return s.appendReceipt(ctx, "message_deliveries", messageID, userID, at)
}

func (s *Store) AppendRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	return s.appendReceipt(ctx, "message_reads", messageID, userID, at)
}

func (s *Store) appendReceipt(ctx context.Context, table, messageID, userID string, at time.Time) (bool, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return false, chat.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO `+table+` (message_id, user_id, at)
		VALUES ($1::uuid, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageID, userID, at)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, chat.ErrNotFound
		}
		return false, fmt.Errorf("postgres: insert %s: %w", table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (s *Store) Find(ctx context.Context, messageID string) (*chat.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return nil, chat.ErrNotFound
	}

	var msg chat.Message
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, sender_id, sender_name, COALESCE(college_id, ''), COALESCE(receiver_id, ''), body, created_at
		FROM messages WHERE id = $1::uuid
	`, messageID).Scan(&msg.ID, &msg.SenderID, &msg.SenderName, &msg.CollegeID, &msg.ReceiverID, &msg.Text, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	if msg.DeliveredTo, err = s.receipts(ctx, "message_deliveries", messageID); err != nil {
		return nil, err
	}
	if msg.ReadBy, err = s.receipts(ctx, "message_reads", messageID); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) receipts(ctx context.Context, table, messageID string) ([]chat.Receipt, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, at FROM `+table+` WHERE message_id = $1::uuid ORDER BY seq`, messageID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []chat.Receipt
	for rows.Next() {
		var r chat.Receipt
		if err := rows.Scan(&r.UserID, &r.At); err != nil {
			return nil, err
		}
		r.At = r.At.UTC()
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	var blocked bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM blocks WHERE blocker_id = $1 AND blocked_id = $2)",
		blockerID, blockedID,
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("postgres: check block: %w", err)
	}
	return blocked, nil
}

func (s *Store) BlockedCount(ctx context.Context, blockerID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM blocks WHERE blocker_id = $1", blockerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count blocks: %w", err)
	}
	return n, nil
}

func (s *Store) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, "SELECT display_name FROM users WHERE id = $1", userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: display name: %w", err)
	}
	return name, nil
}

func (s *Store) LookupIdentity(ctx context.Context, userID string) (chat.Identity, error) {
	var id chat.Identity
	err := s.pool.QueryRow(ctx,
		"SELECT id, email, display_name, COALESCE(college_id, '') FROM users WHERE id = $1",
		userID,
	).Scan(&id.UserID, &id.Email, &id.DisplayName, &id.CollegeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Identity{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Identity{}, fmt.Errorf("postgres: lookup identity: %w", err)
	}
	return id, nil
}

// UpsertUser writes a user row. The users table is owned by the profile
// service; this exists for seeding and tests.
func (s *Store) UpsertUser(ctx context.Context, id chat.Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, display_name, college_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email,
		                               display_name = EXCLUDED.display_name,
		                               college_id = EXCLUDED.college_id
	`, id.UserID, id.Email, id.DisplayName, id.CollegeID)
	if err != nil {
		return fmt.Errorf("postgres: upsert user: %w", err)
	}
	return nil
}

// Block records a block relation, for seeding and tests.
func (s *Store) Block(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("postgres: block: %w", err)
	}
	return nil
}
