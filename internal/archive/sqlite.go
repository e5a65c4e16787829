package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"livedesk/pkg/database"
	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// SQLite archives transcripts in a local database file. All writes go through
// one goroutine; reads use the pool directly.
type SQLite struct {
	db         *sql.DB
	writes     chan writeOperation
	shutdown   chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	retryDelay time.Duration
	logger     *zap.Logger
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

// NewSQLite opens the database at cfg.DatabasePath, applies the embedded
// migrations and checks the resulting schema.
func NewSQLite(cfg *database.Config, logger *zap.Logger) (*SQLite, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.NewEmbeddedMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}
	if err := database.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive schema check failed: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &SQLite{
		db:         db,
		writes:     make(chan writeOperation, 100),
		shutdown:   make(chan struct{}),
		retryDelay: time.Second,
		logger:     logger.Named("archive.sqlite"),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *SQLite) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			op.result <- s.run(op)
		case <-s.shutdown:
			// drain what was already queued
			for {
				select {
				case op := <-s.writes:
					op.result <- s.run(op)
				default:
					return
				}
			}
		}
	}
}

// run executes a write and retries it once after retryDelay.
func (s *SQLite) run(op writeOperation) error {
	_, err := backoff.Retry(op.ctx, func() (struct{}, error) {
		return struct{}{}, op.operation(op.ctx, s.db)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.retryDelay)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("archive write failed, retrying", zap.Duration("in", next), zap.Error(err))
		}),
	)
	return err
}

func (s *SQLite) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrArchiveClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writes <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrArchiveClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLite) SaveSession(ctx context.Context, session *types.Session) error {
	meta, err := json.Marshal(session.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session meta: %w", err)
	}
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (id, client_id, client_name, operator_id, operator_name, state,
				end_reason, ended_by, created_at, accepted_at, ended_at, message_count, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				operator_id = excluded.operator_id,
				operator_name = excluded.operator_name,
				state = excluded.state,
				end_reason = excluded.end_reason,
				ended_by = excluded.ended_by,
				accepted_at = excluded.accepted_at,
				ended_at = excluded.ended_at,
				message_count = excluded.message_count,
				meta = excluded.meta
		`,
			session.ID,
			session.ClientID,
			session.ClientName,
			session.OperatorID,
			session.OperatorName,
			string(session.State),
			string(session.EndReason),
			session.EndedBy,
			session.CreatedAt,
			nullTime(session.AcceptedAt),
			nullTime(session.EndedAt),
			session.MessageCount,
			string(meta),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
		return nil
	})
}

func (s *SQLite) AppendMessage(ctx context.Context, msg *types.Message) error {
	var file sql.NullString
	if msg.File != nil {
		raw, err := json.Marshal(msg.File)
		if err != nil {
			return fmt.Errorf("failed to marshal attachment: %w", err)
		}
		file = sql.NullString{String: string(raw), Valid: true}
	}
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, sender_id, sender_role, type, text, file,
				timestamp, delivery, client_message_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET delivery = excluded.delivery
		`,
			msg.ID,
			msg.SessionID,
			msg.Seq,
			msg.From,
			string(msg.SenderRole),
			msg.Type,
			msg.Text,
			file,
			msg.Timestamp,
			string(msg.Delivery),
			msg.ClientMessageID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

func (s *SQLite) Transcript(ctx context.Context, sessionID string) (*types.Transcript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, client_name, operator_id, operator_name, state, end_reason,
			ended_by, created_at, accepted_at, ended_at, message_count, meta
		FROM sessions
		WHERE id = ?
	`, sessionID)

	var (
		session    types.Session
		state      string
		endReason  string
		acceptedAt sql.NullTime
		endedAt    sql.NullTime
		meta       string
	)
	err := row.Scan(
		&session.ID,
		&session.ClientID,
		&session.ClientName,
		&session.OperatorID,
		&session.OperatorName,
		&state,
		&endReason,
		&session.EndedBy,
		&session.CreatedAt,
		&acceptedAt,
		&endedAt,
		&session.MessageCount,
		&meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrTranscriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	session.State = types.SessionState(state)
	session.EndReason = types.EndReason(endReason)
	if acceptedAt.Valid {
		session.AcceptedAt = &acceptedAt.Time
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(meta), &session.Meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session meta: %w", err)
	}

	msgs, err := s.messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &types.Transcript{Session: &session, Messages: msgs}, nil
}

func (s *SQLite) messages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, sender_id, sender_role, type, text, file, timestamp,
			delivery, client_message_id
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]*types.Message, 0)
	for rows.Next() {
		var (
			msg      types.Message
			role     string
			file     sql.NullString
			delivery string
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Seq,
			&msg.From,
			&role,
			&msg.Type,
			&msg.Text,
			&file,
			&msg.Timestamp,
			&delivery,
			&msg.ClientMessageID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.SenderRole = types.Role(role)
		msg.Delivery = types.Delivery(delivery)
		if file.Valid {
			msg.File = &types.Attachment{}
			if err := json.Unmarshal([]byte(file.String), msg.File); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachment: %w", err)
			}
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return msgs, nil
}

func (s *SQLite) DeleteTranscript(ctx context.Context, sessionID string) error {
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return backoff.Permanent(interfaces.ErrTranscriptNotFound)
		}
		return nil
	})
}

func (s *SQLite) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ interfaces.Archive = (*SQLite)(nil)
