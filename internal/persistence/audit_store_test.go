package persistence_test

import (
	"context"
	"testing"
	"time"
)

func TestStore_PurgeAuditDropsOldRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	insert := func(subject string, at time.Time) {
		t.Helper()
		_, err := store.DB().ExecContext(ctx,
			`INSERT INTO audit_log (subject, action, decision, reason, created_at) VALUES (?, 'triage', 'completed', '', ?);`,
			subject, at)
		if err != nil {
			t.Fatalf("insert audit: %v", err)
		}
	}
	insert("job-old", now.Add(-100*24*time.Hour))
	insert("job-new", now.Add(-time.Hour))

	n, err := store.PurgeAudit(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeAudit: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}

	rows, err := store.ListAudit(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(rows) != 1 || rows[0].Subject != "job-new" {
		t.Fatalf("remaining rows = %+v, want only job-new", rows)
	}
}
