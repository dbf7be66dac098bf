package bugzilla

import (
	"context"
	"database/sql"
	"time"
)

// The replications table records every poll cycle. The newest completed
// row's start time is the mark the next cycle's change queries resume
// from, so the table must never be empty once the replicator has run.

// InitReplications seeds the table with a completed row at the
// configured start date if no row exists yet.
func (d *DB) InitReplications(ctx context.Context, startDate time.Time) error {
	var n int
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM p4dti_replications WHERE rid = ? AND sid = ?",
		d.Rid, d.Sid).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ts := formatDBTime(startDate)
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO p4dti_replications (rid, sid, start, end, completed)
		 VALUES (?, ?, ?, ?, 1)`, d.Rid, d.Sid, ts, ts)
	return err
}

// LastMark returns the start time of the newest completed replication.
func (d *DB) LastMark(ctx context.Context) (time.Time, error) {
	var s sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT MAX(start) FROM p4dti_replications
		 WHERE rid = ? AND sid = ? AND completed = 1`, d.Rid, d.Sid).Scan(&s)
	if err != nil {
		return time.Time{}, err
	}
	if !s.Valid {
		return time.Time{}, nil
	}
	return parseDBTime(s.String)
}

// StartReplication opens a cycle: any stale incomplete row from a
// crashed run is discarded first, keeping at most one in-flight row per
// replicator. Returns the cycle's start time, which is also the fence
// for this cycle's change queries.
func (d *DB) StartReplication(ctx context.Context) (time.Time, int64, error) {
	if _, err := d.db.ExecContext(ctx,
		"DELETE FROM p4dti_replications WHERE rid = ? AND sid = ? AND completed = 0",
		d.Rid, d.Sid); err != nil {
		return time.Time{}, 0, err
	}
	now, err := d.Now(ctx)
	if err != nil {
		return time.Time{}, 0, err
	}
	ts := formatDBTime(now)
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO p4dti_replications (rid, sid, start, end, completed)
		 VALUES (?, ?, ?, ?, 0)`, d.Rid, d.Sid, ts, ts)
	if err != nil {
		return time.Time{}, 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return time.Time{}, 0, err
	}
	return now, id, nil
}

// EndReplication closes the cycle opened by StartReplication. Only
// completed rows count as acknowledged marks, so a crash between the
// two leaves the mark where it was and the next cycle repeats the work.
func (d *DB) EndReplication(ctx context.Context, id int64) error {
	now, err := d.Now(ctx)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		"UPDATE p4dti_replications SET end = ?, completed = 1 WHERE id = ?",
		formatDBTime(now), id)
	return err
}
