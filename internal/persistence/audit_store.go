package persistence

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one row of the audit_log table.
type AuditEntry struct {
	AuditID   int64     `json:"audit_id"`
	TraceID   string    `json:"trace_id"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ListAudit returns the newest audit rows for a subject (job id), oldest
// first. An empty subject lists every subject.
func (s *Store) ListAudit(ctx context.Context, subject string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(trace_id, ''), COALESCE(subject, ''), action, decision,
			COALESCE(reason, ''), created_at
		FROM (
			SELECT * FROM audit_log WHERE (? = '' OR subject = ?) ORDER BY audit_id DESC LIMIT ?
		)
		ORDER BY audit_id ASC;
	`, subject, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var ae AuditEntry
		if err := rows.Scan(&ae.AuditID, &ae.TraceID, &ae.Subject, &ae.Action, &ae.Decision, &ae.Reason, &ae.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, ae)
	}
	return out, rows.Err()
}

// PurgeAudit deletes audit rows older than the cutoff.
func (s *Store) PurgeAudit(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
