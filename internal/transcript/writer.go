// Package transcript appends conversation events inside the caller's
// transaction. Nothing else in the codebase writes transcript rows; the
// append-only ordering of the log is carried by the autoincrement id.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one transcript event. The stage recorded is the epic's stage
// at the time of writing, which later reads use to group the conversation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, epicID, role, content, stage string) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO transcript_events(epic_id,role,content,stage,ts) VALUES (?,?,?,?,?)`,
		epicID, role, content, stage, ts)
	if err != nil {
		return 0, fmt.Errorf("append transcript event: %w", err)
	}
	return res.LastInsertId()
}
