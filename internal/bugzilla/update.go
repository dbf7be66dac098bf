package bugzilla

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/p4dti/p4dti/internal/types"
)

// Policy is the invariant set applied to every issue update, in the
// order the fields appear here. The replicate package builds one from
// the configured field map and the tracker's workflow.
type Policy struct {
	// ReadOnly fields reject any change.
	ReadOnly map[string]bool
	// AppendOnly fields accept a new value only when the old value is
	// an exact prefix of it.
	AppendOnly map[string]bool
	// Transitions maps a status to the statuses reachable from it.
	// A nil map allows everything.
	Transitions map[string][]string
	// ResolutionRequired lists statuses that need a non-empty
	// resolution; ResolutionForbidden lists those that need an empty
	// one. An update entering a required status without a resolution
	// gets DefaultResolution.
	ResolutionRequired  map[string]bool
	ResolutionForbidden map[string]bool
	DefaultResolution   string
}

// DefaultPolicy matches a stock tracker workflow.
func DefaultPolicy() *Policy {
	return &Policy{
		Transitions: map[string][]string{
			"UNCONFIRMED": {"NEW", "ASSIGNED", "RESOLVED"},
			"NEW":         {"ASSIGNED", "RESOLVED"},
			"ASSIGNED":    {"NEW", "RESOLVED"},
			"REOPENED":    {"NEW", "ASSIGNED", "RESOLVED"},
			"RESOLVED":    {"VERIFIED", "CLOSED", "REOPENED"},
			"VERIFIED":    {"CLOSED", "REOPENED"},
			"CLOSED":      {"REOPENED"},
		},
		ResolutionRequired: map[string]bool{
			"RESOLVED": true, "VERIFIED": true, "CLOSED": true,
		},
		ResolutionForbidden: map[string]bool{
			"UNCONFIRMED": true, "NEW": true, "ASSIGNED": true, "REOPENED": true,
		},
		DefaultResolution: "FIXED",
	}
}

func (p *Policy) transitionAllowed(from, to string) bool {
	if p.Transitions == nil || from == to {
		return true
	}
	for _, s := range p.Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkChanges applies the invariant chain and returns the changes to
// write, possibly extended with a reconciled resolution.
func (p *Policy) checkChanges(issue *types.Issue, changes map[string]string) (map[string]string, error) {
	for field := range changes {
		if p.ReadOnly[field] {
			return nil, &types.ReadOnlyFieldError{Issue: issue.ID, Field: field}
		}
	}
	for field, newVal := range changes {
		if !p.AppendOnly[field] {
			continue
		}
		if !strings.HasPrefix(newVal, issue.Field(field)) {
			return nil, &types.AppendOnlyFieldError{Issue: issue.ID, Field: field}
		}
	}
	out := make(map[string]string, len(changes)+1)
	for k, v := range changes {
		out[k] = v
	}
	newStatus, statusChanging := changes["bug_status"]
	if statusChanging {
		if !p.transitionAllowed(issue.Status(), newStatus) {
			return nil, &types.TransitionError{Issue: issue.ID, From: issue.Status(), To: newStatus}
		}
		resolution, resolutionGiven := changes["resolution"]
		if !resolutionGiven {
			resolution = issue.Resolution()
		}
		switch {
		case p.ResolutionRequired[newStatus] && resolution == "":
			out["resolution"] = p.DefaultResolution
		case p.ResolutionForbidden[newStatus] && resolution != "":
			out["resolution"] = ""
		}
	}
	return out, nil
}

// CanEdit reports whether the user may modify the issue: the user must
// belong to every group the issue is restricted to.
func (d *DB) CanEdit(ctx context.Context, userID int, issue *types.Issue) error {
	for _, group := range issue.Groups {
		var n int
		err := d.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM user_group_map
			 JOIN groups ON groups.id = user_group_map.group_id
			 WHERE user_group_map.user_id = ? AND groups.name = ?`,
			userID, group).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return &types.PermissionError{
				User:  fmt.Sprint(userID),
				Issue: issue.ID,
				Why:   fmt.Sprintf("not a member of group %q", group),
			}
		}
	}
	return nil
}

// UpdateIssue validates and writes a set of field changes on behalf of
// a user, appending to the tracker's activity log and to the
// replicator's mirror of it in the same transaction. The mirror rows
// are what lets the next poll tell this write apart from a human's.
func (d *DB) UpdateIssue(ctx context.Context, policy *Policy, issue *types.Issue, userID int, changes map[string]string) error {
	if len(changes) == 0 {
		return nil
	}
	checked, err := policy.checkChanges(issue, changes)
	if err != nil {
		return err
	}
	if err := d.CanEdit(ctx, userID, issue); err != nil {
		return err
	}
	now, err := d.Now(ctx)
	if err != nil {
		return err
	}
	when := formatDBTime(now)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sets []string
	var args []any
	for field, v := range checked {
		sets = append(sets, field+" = ?")
		args = append(args, v)
	}
	sets = append(sets, "delta_ts = ?")
	args = append(args, when, issue.ID)
	if _, err := tx.ExecContext(ctx,
		"UPDATE bugs SET "+strings.Join(sets, ", ")+" WHERE bug_id = ?", args...); err != nil {
		return err
	}

	for field, newVal := range checked {
		fieldID, err := d.fieldID(ctx, field)
		if err != nil {
			return err
		}
		oldVal := issue.Field(field)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bugs_activity (bug_id, who, bug_when, fieldid, removed, added)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			issue.ID, userID, when, fieldID, oldVal, newVal); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO p4dti_bugs_activity (bug_id, who, bug_when, fieldid, removed, added, rid, sid)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			issue.ID, userID, when, fieldID, oldVal, newVal, d.Rid, d.Sid); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	for field, v := range checked {
		issue.SetField(field, v)
	}
	issue.SetField("delta_ts", when)
	issue.DeltaTS = now
	if cmd := d.NotifyScript(issue.ID); cmd != nil {
		d.DeferCommand(cmd...)
	}
	return nil
}

// NewIssueStart enters bulk mode: per-issue notification commands are
// suppressed until NewIssueEnd. Migration creates issues by the
// thousand and must not spam the tracker's mail relay.
func (d *DB) NewIssueStart() { d.bulk = true }

// NewIssueEnd leaves bulk mode.
func (d *DB) NewIssueEnd() { d.bulk = false }

// NewIssue creates an issue and its link row in one transaction. When
// product, component or version is absent and the tracker defines
// exactly one candidate, that candidate is filled in.
func (d *DB) NewIssue(ctx context.Context, fields map[string]string, comment, jobname string, migrated *time.Time) (*types.Issue, error) {
	reporter, err := d.ReplicatorID(ctx)
	if err != nil {
		return nil, err
	}
	now, err := d.Now(ctx)
	if err != nil {
		return nil, err
	}
	when := formatDBTime(now)

	all := make(map[string]string, len(fields)+4)
	for k, v := range fields {
		all[k] = v
	}
	if err := d.fillSingleCandidates(ctx, all); err != nil {
		return nil, err
	}
	if _, ok := all["bug_status"]; !ok {
		all["bug_status"] = "NEW"
	}
	if _, ok := all["reporter"]; !ok {
		all["reporter"] = fmt.Sprint(reporter)
	}
	all["creation_ts"] = when
	all["delta_ts"] = when

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cols := make([]string, 0, len(all))
	args := make([]any, 0, len(all))
	for k, v := range all {
		cols = append(cols, k)
		args = append(args, v)
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO bugs (%s) VALUES (%s)",
			strings.Join(cols, ", "), placeholders(len(cols))), args...)
	if err != nil {
		return nil, err
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	id := int(id64)

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO longdescs (bug_id, who, bug_when, thetext) VALUES (?, ?, ?, ?)",
		id, reporter, when, comment); err != nil {
		return nil, err
	}
	var m any
	if migrated != nil {
		m = formatDBTime(*migrated)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO p4dti_bugs (bug_id, rid, sid, jobname, migrated) VALUES (?, ?, ?, ?, ?)",
		id, d.Rid, d.Sid, jobname, m); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if cmd := d.NotifyScript(id); cmd != nil {
		d.DeferCommand(cmd...)
	}
	return d.Issue(ctx, id)
}

// fillSingleCandidates defaults product, component and version when the
// tracker defines exactly one choice. A tracker with several products
// cannot guess, and the caller's field map must supply them.
func (d *DB) fillSingleCandidates(ctx context.Context, fields map[string]string) error {
	single := func(query string, args ...any) (string, bool, error) {
		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return "", false, err
		}
		defer rows.Close()
		var value string
		count := 0
		for rows.Next() {
			count++
			if count > 1 {
				return "", false, nil
			}
			if err := rows.Scan(&value); err != nil {
				return "", false, err
			}
		}
		return value, count == 1, rows.Err()
	}
	if fields["product"] == "" {
		if v, ok, err := single("SELECT name FROM products"); err != nil {
			return err
		} else if ok {
			fields["product"] = v
		}
	}
	if fields["product"] != "" {
		if fields["component"] == "" {
			if v, ok, err := single(
				`SELECT components.name FROM components
				 JOIN products ON products.id = components.product_id
				 WHERE products.name = ?`, fields["product"]); err != nil {
				return err
			} else if ok {
				fields["component"] = v
			}
		}
		if fields["version"] == "" {
			if v, ok, err := single(
				`SELECT versions.value FROM versions
				 JOIN products ON products.id = versions.product_id
				 WHERE products.name = ?`, fields["product"]); err != nil {
				return err
			} else if ok {
				fields["version"] = v
			}
		}
	}
	return nil
}

// Users lists the tracker's user directory.
func (d *DB) Users(ctx context.Context) ([]types.User, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT userid, login_name, realname, disabledtext FROM profiles ORDER BY userid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []types.User
	for rows.Next() {
		var u types.User
		var realname, disabled sql.NullString
		if err := rows.Scan(&u.ID, &u.Login, &realname, &disabled); err != nil {
			return nil, err
		}
		u.Name = realname.String
		u.Disabled = disabled.String != ""
		users = append(users, u)
	}
	return users, rows.Err()
}
