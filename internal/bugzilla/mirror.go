package bugzilla

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/p4dti/p4dti/internal/types"
)

// The mirror tables copy the job side's fixes, filespecs and
// changelists into the tracker's database so its reports can join
// against them. They are owned by the replicator outright.

// Fixes lists the mirrored fixes for an issue, keyed by changelist.
func (d *DB) Fixes(ctx context.Context, issueID int) (map[int]*types.Fix, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT changelist, user_name, client, status, p4date FROM p4dti_fixes
		 WHERE bug_id = ? AND rid = ? AND sid = ?`, issueID, d.Rid, d.Sid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	fixes := make(map[int]*types.Fix)
	for rows.Next() {
		var f types.Fix
		var client, status, date sql.NullString
		if err := rows.Scan(&f.Change, &f.User, &client, &status, &date); err != nil {
			return nil, err
		}
		f.Client = client.String
		f.Status = status.String
		if date.Valid {
			f.Date, _ = parseDBTime(date.String)
		}
		fixes[f.Change] = &f
	}
	return fixes, rows.Err()
}

// AddFix mirrors one fix.
func (d *DB) AddFix(ctx context.Context, issueID int, fix *types.Fix) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO p4dti_fixes (changelist, bug_id, rid, sid, user_name, client, status, p4date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fix.Change, issueID, d.Rid, d.Sid, fix.User, fix.Client, fix.Status,
		formatDBTime(fix.Date))
	return err
}

// UpdateFix rewrites the status of a mirrored fix.
func (d *DB) UpdateFix(ctx context.Context, issueID int, change int, status string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE p4dti_fixes SET status = ?
		 WHERE changelist = ? AND bug_id = ? AND rid = ? AND sid = ?`,
		status, change, issueID, d.Rid, d.Sid)
	return err
}

// DeleteFix removes one mirrored fix.
func (d *DB) DeleteFix(ctx context.Context, issueID int, change int) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM p4dti_fixes WHERE changelist = ? AND bug_id = ? AND rid = ? AND sid = ?",
		change, issueID, d.Rid, d.Sid)
	return err
}

// Filespecs lists the mirrored filespecs for an issue.
func (d *DB) Filespecs(ctx context.Context, issueID int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT filespec FROM p4dti_filespecs WHERE bug_id = ? AND rid = ? AND sid = ?",
		issueID, d.Rid, d.Sid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var specs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, rows.Err()
}

// AddFilespec mirrors one filespec.
func (d *DB) AddFilespec(ctx context.Context, issueID int, filespec string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO p4dti_filespecs (bug_id, rid, sid, filespec) VALUES (?, ?, ?, ?)",
		issueID, d.Rid, d.Sid, filespec)
	return err
}

// DeleteFilespec removes one mirrored filespec.
func (d *DB) DeleteFilespec(ctx context.Context, issueID int, filespec string) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM p4dti_filespecs WHERE bug_id = ? AND rid = ? AND sid = ? AND filespec = ?",
		issueID, d.Rid, d.Sid, filespec)
	return err
}

// UpsertChangelist mirrors a changelist, replacing any previous copy.
func (d *DB) UpsertChangelist(ctx context.Context, cl *types.Changelist) error {
	flags := 0
	if cl.Status == "submitted" {
		flags = 1
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE p4dti_changelists SET user_name = ?, flags = ?, description = ?, client = ?, p4date = ?
		 WHERE changelist = ? AND rid = ? AND sid = ?`,
		cl.User, flags, cl.Description, cl.Client, formatDBTime(cl.Date),
		cl.Change, d.Rid, d.Sid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO p4dti_changelists (changelist, rid, sid, user_name, flags, description, client, p4date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cl.Change, d.Rid, d.Sid, cl.User, flags, cl.Description, cl.Client,
		formatDBTime(cl.Date))
	return err
}

// Changelist fetches a mirrored changelist, or a NotFoundError.
func (d *DB) Changelist(ctx context.Context, change int) (*types.Changelist, error) {
	var cl types.Changelist
	var desc, client, date sql.NullString
	var flags int
	err := d.db.QueryRowContext(ctx,
		`SELECT changelist, user_name, flags, description, client, p4date FROM p4dti_changelists
		 WHERE changelist = ? AND rid = ? AND sid = ?`, change, d.Rid, d.Sid).
		Scan(&cl.Change, &cl.User, &flags, &desc, &client, &date)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "changelist", ID: strconv.Itoa(change)}
	}
	if err != nil {
		return nil, err
	}
	cl.Description = desc.String
	cl.Client = client.String
	if flags == 1 {
		cl.Status = "submitted"
	} else {
		cl.Status = "pending"
	}
	if date.Valid {
		cl.Date, _ = parseDBTime(date.String)
	}
	return &cl, nil
}
