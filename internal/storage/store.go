package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/orgsync/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// InsertDeadLetter persists the terminal record for an exhausted envelope.
func (s *Store) InsertDeadLetter(ctx context.Context, d domain.DeadLetter) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into dead_letters(
id, method, tenant_id, debug_id, log_id, envelope, err_kind, err_message, retry_count
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		id, d.Method, nullable(d.TenantID), nullable(d.DebugID), nullable(d.LogID),
		d.Envelope, d.ErrKind, d.ErrMessage, d.RetryCount,
	)
	return id, errors.Wrap(err, "insert dead letter")
}

// ListDeadLetters is the manual inspection path; nothing in the engine
// re-reads these automatically.
func (s *Store) ListDeadLetters(ctx context.Context, tenant string, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.db.Query(ctx, `
select id, method, coalesce(tenant_id,''), coalesce(debug_id,''), coalesce(log_id,''),
       envelope, err_kind, err_message, retry_count, created_at
  from dead_letters
 where ($1 = '' or tenant_id = $1)
 order by created_at desc limit $2`, tenant, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	defer rows.Close()
	var out []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		if err := rows.Scan(&d.ID, &d.Method, &d.TenantID, &d.DebugID, &d.LogID,
			&d.Envelope, &d.ErrKind, &d.ErrMessage, &d.RetryCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Metric is one processed-job outcome row.
type Metric struct {
	Method        domain.Method
	StatusCode    int
	Tenant        string
	CorrelationID string
	LatencyMS     int64
}

// Record writes one metric row per terminal outcome.
func (s *Store) Record(ctx context.Context, m Metric) error {
	_, err := s.db.Exec(ctx, `insert into job_metrics(
id, method, status_code, tenant_id, correlation_id, latency_ms, recorded_at
) values ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), m.Method, m.StatusCode, nullable(m.Tenant), nullable(m.CorrelationID),
		m.LatencyMS, time.Now().UTC(),
	)
	return errors.Wrap(err, "record metric")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
