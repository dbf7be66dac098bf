package bugzilla

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/p4dti/p4dti/internal/translate"
	"github.com/p4dti/p4dti/internal/types"
)

// Issue loads one issue with its groups, long description and link row.
func (d *DB) Issue(ctx context.Context, id int) (*types.Issue, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT * FROM bugs WHERE bug_id = ?", id)
	if err != nil {
		return nil, err
	}
	issues, err := scanIssueRows(rows)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, &types.NotFoundError{Kind: "issue", ID: fmt.Sprint(id)}
	}
	issue := issues[0]
	if err := d.fillIssue(ctx, issue); err != nil {
		return nil, err
	}
	return issue, nil
}

func (d *DB) fillIssue(ctx context.Context, issue *types.Issue) error {
	if err := d.loadLink(ctx, issue); err != nil {
		return err
	}
	if err := d.loadGroups(ctx, issue); err != nil {
		return err
	}
	return d.loadLongDesc(ctx, issue)
}

func (d *DB) loadLink(ctx context.Context, issue *types.Issue) error {
	var link types.Link
	var migrated sql.NullString
	err := d.db.QueryRowContext(ctx,
		"SELECT bug_id, rid, sid, jobname, migrated FROM p4dti_bugs WHERE bug_id = ? AND rid = ? AND sid = ?",
		issue.ID, d.Rid, d.Sid).
		Scan(&link.IssueID, &link.Rid, &link.Sid, &link.Jobname, &migrated)
	if err == sql.ErrNoRows {
		issue.Link = nil
		return nil
	}
	if err != nil {
		return err
	}
	if migrated.Valid {
		t, err := parseDBTime(migrated.String)
		if err != nil {
			return err
		}
		link.Migrated = &t
	}
	issue.Link = &link
	return nil
}

func (d *DB) loadGroups(ctx context.Context, issue *types.Issue) error {
	rows, err := d.db.QueryContext(ctx,
		`SELECT groups.name FROM bug_group_map
		 JOIN groups ON groups.id = bug_group_map.group_id
		 WHERE bug_group_map.bug_id = ?`, issue.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	issue.Groups = nil
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		issue.Groups = append(issue.Groups, name)
	}
	return rows.Err()
}

func (d *DB) loadLongDesc(ctx context.Context, issue *types.Issue) error {
	rows, err := d.db.QueryContext(ctx,
		"SELECT thetext FROM longdescs WHERE bug_id = ? ORDER BY bug_when", issue.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	var parts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return err
		}
		parts = append(parts, text)
	}
	// Perforce canonicalises whitespace-only lines in job text fields;
	// reading them the same way keeps linked pairs from oscillating.
	issue.LongDesc = translate.NormalizeBlankLines(strings.Join(parts, "\n\n"))
	return rows.Err()
}

// ownershipClause admits issues that are unowned or owned by this
// replicator. Requires the bugs/p4dti_bugs left join below.
const ownershipClause = "(p4dti_bugs.rid IS NULL OR (p4dti_bugs.rid = ? AND p4dti_bugs.sid = ?))"

const issueJoin = `FROM bugs LEFT JOIN p4dti_bugs ON bugs.bug_id = p4dti_bugs.bug_id`

// AllIssuesSince returns every issue this replicator owns, plus unowned
// issues created or touched at or after t.
func (d *DB) AllIssuesSince(ctx context.Context, t time.Time) ([]*types.Issue, error) {
	q := `SELECT bugs.* ` + issueJoin + `
		WHERE (p4dti_bugs.rid = ? AND p4dti_bugs.sid = ?)
		   OR (p4dti_bugs.rid IS NULL AND (bugs.creation_ts >= ? OR bugs.delta_ts >= ?))
		ORDER BY bugs.bug_id`
	ts := formatDBTime(t)
	rows, err := d.db.QueryContext(ctx, q, d.Rid, d.Sid, ts, ts)
	if err != nil {
		return nil, err
	}
	issues, err := scanIssueRows(rows)
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if err := d.fillIssue(ctx, issue); err != nil {
			return nil, err
		}
	}
	return issues, nil
}

// ChangedIssuesSince returns the issues changed on the tracker side by
// somebody other than this replicator in [since, fence). The result is
// the union of three disjoint classes:
//
//  1. issues created in the window, excluding those this replicator
//     migrated itself;
//  2. issues whose delta_ts moved in the window without any activity
//     row, which the tracker does for changes it does not journal;
//  3. issues with an activity row in the window that has no matching
//     row in the replicator's mirror of its own activity.
//
// Changes stamped exactly at the fence are deferred to the next cycle.
func (d *DB) ChangedIssuesSince(ctx context.Context, since, fence time.Time) ([]*types.Issue, error) {
	t := formatDBTime(since)
	f := formatDBTime(fence)

	newQ := `SELECT bugs.* ` + issueJoin + `
		WHERE bugs.creation_ts >= ? AND bugs.creation_ts < ?
		  AND ` + ownershipClause + `
		  AND p4dti_bugs.migrated IS NULL`
	touchedQ := `SELECT bugs.* ` + issueJoin + `
		WHERE bugs.delta_ts >= ? AND bugs.delta_ts < ?
		  AND bugs.creation_ts < ?
		  AND ` + ownershipClause + `
		  AND (p4dti_bugs.migrated IS NULL OR p4dti_bugs.migrated < ?)
		  AND NOT EXISTS (SELECT 1 FROM bugs_activity
		                  WHERE bugs_activity.bug_id = bugs.bug_id
		                    AND bugs_activity.bug_when >= ? AND bugs_activity.bug_when < ?)`
	changedQ := `SELECT DISTINCT bugs.* ` + issueJoin + `
		JOIN bugs_activity ON bugs_activity.bug_id = bugs.bug_id
		WHERE bugs_activity.bug_when >= ? AND bugs_activity.bug_when < ?
		  AND bugs.creation_ts < ?
		  AND ` + ownershipClause + `
		  AND NOT EXISTS (SELECT 1 FROM p4dti_bugs_activity m
		                  WHERE m.bug_id = bugs_activity.bug_id
		                    AND m.bug_when = bugs_activity.bug_when
		                    AND m.who = bugs_activity.who
		                    AND m.fieldid = bugs_activity.fieldid
		                    AND m.removed = bugs_activity.removed
		                    AND m.added = bugs_activity.added
		                    AND m.rid = ? AND m.sid = ?)`

	var issues []*types.Issue
	seen := make(map[int]bool)
	collect := func(q string, args ...any) error {
		rows, err := d.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		batch, err := scanIssueRows(rows)
		if err != nil {
			return err
		}
		for _, issue := range batch {
			if seen[issue.ID] {
				continue
			}
			seen[issue.ID] = true
			if err := d.fillIssue(ctx, issue); err != nil {
				return err
			}
			issues = append(issues, issue)
		}
		return nil
	}
	if err := collect(newQ, t, f, d.Rid, d.Sid); err != nil {
		return nil, err
	}
	if err := collect(touchedQ, t, f, t, d.Rid, d.Sid, t, t, f); err != nil {
		return nil, err
	}
	if err := collect(changedQ, t, f, t, d.Rid, d.Sid, d.Rid, d.Sid); err != nil {
		return nil, err
	}
	return issues, nil
}

// InsertLink records that an issue is replicated to the named job.
// migrated is non-nil only for links born by migration from the job side.
func (d *DB) InsertLink(ctx context.Context, issueID int, jobname string, migrated *time.Time) error {
	var m any
	if migrated != nil {
		m = formatDBTime(*migrated)
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO p4dti_bugs (bug_id, rid, sid, jobname, migrated) VALUES (?, ?, ?, ?, ?)",
		issueID, d.Rid, d.Sid, jobname, m)
	return err
}

// DeleteIssue removes an issue and every replicator-owned row that
// refers to it.
func (d *DB) DeleteIssue(ctx context.Context, id int) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmts := []string{
		"DELETE FROM p4dti_fixes WHERE bug_id = ? AND rid = ? AND sid = ?",
		"DELETE FROM p4dti_filespecs WHERE bug_id = ? AND rid = ? AND sid = ?",
		"DELETE FROM p4dti_bugs_activity WHERE bug_id = ? AND rid = ? AND sid = ?",
		"DELETE FROM p4dti_bugs WHERE bug_id = ? AND rid = ? AND sid = ?",
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s, id, d.Rid, d.Sid); err != nil {
			return err
		}
	}
	for _, s := range []string{
		"DELETE FROM bugs_activity WHERE bug_id = ?",
		"DELETE FROM longdescs WHERE bug_id = ?",
		"DELETE FROM bug_group_map WHERE bug_id = ?",
		"DELETE FROM bugs WHERE bug_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, s, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
