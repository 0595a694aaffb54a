// Package audit mirrors moderation events into PostgreSQL for moderator
// review and reporting. The datastore stays authoritative; the mirror is
// fed from the moderation.* NATS subjects and may lag or miss events while
// the consumer is down.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/intelboard/chatguard/internal/messaging"
	"github.com/intelboard/chatguard/internal/report"
	"github.com/intelboard/chatguard/internal/sanction"
)

// Store writes moderation events to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordReport inserts an abuse report. Redelivered reports are ignored.
func (s *Store) RecordReport(ctx context.Context, r *report.Report) error {
	if !report.ValidCategory(r.Category) {
		return fmt.Errorf("audit: invalid category %q", r.Category)
	}

	var messagesJSON []byte
	if len(r.Context) > 0 {
		var err error
		messagesJSON, err = json.Marshal(r.Context)
		if err != nil {
			return fmt.Errorf("audit: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (id, reporter_id, reported_user_id, chat_id, message_id, category, reason, status, messages, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.ReporterID,
		r.ReportedUserID,
		r.ChatID,
		r.MessageID,
		r.Category,
		r.Reason,
		string(r.Status),
		messagesJSON,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert report: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within
// the given time window.
func (s *Store) CountRecent(ctx context.Context, reportedUserID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_user_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedUserID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}

// RecordSanction inserts one sanction audit entry. Redelivered entries are
// ignored.
func (s *Store) RecordSanction(ctx context.Context, e *sanction.Entry) error {
	const query = `
		INSERT INTO sanction_events (id, target_id, actor_id, action, reason, previous_state, new_state, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.TargetID,
		e.ActorID,
		string(e.Action),
		e.Reason,
		string(e.PreviousState),
		string(e.NewState),
		string(e.Role),
		e.At,
	)
	if err != nil {
		return fmt.Errorf("audit: insert sanction: %w", err)
	}
	return nil
}

// SanctionCounts returns the number of sanction events per action since t.
func (s *Store) SanctionCounts(ctx context.Context, since time.Time) (map[sanction.Action]int, error) {
	const query = `
		SELECT action, COUNT(*)
		FROM sanction_events
		WHERE created_at >= $1
		GROUP BY action`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("audit: sanction counts: %w", err)
	}
	defer rows.Close()

	out := make(map[sanction.Action]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("audit: scan sanction count: %w", err)
		}
		out[sanction.Action(action)] = n
	}
	return out, rows.Err()
}

// Recorder is the part of Store used by Consumer.
type Recorder interface {
	RecordReport(ctx context.Context, r *report.Report) error
	RecordSanction(ctx context.Context, e *sanction.Entry) error
	CountRecent(ctx context.Context, reportedUserID string, window time.Duration) (int, error)
}

// Decode parses the payload of a moderation subject into its event:
// *report.Report for moderation.report and *sanction.Entry for
// moderation.sanction.
func Decode(subject string, data []byte) (any, error) {
	var v any
	switch subject {
	case messaging.SubjectReport:
		v = &report.Report{}
	case messaging.SubjectSanction:
		v = &sanction.Entry{}
	default:
		return nil, fmt.Errorf("audit: unknown subject %q", subject)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("audit: decode %s: %w", subject, err)
	}
	return v, nil
}
