// Package bugzilla is the issue-side adapter: typed queries and
// mutations over the tracker's database plus the replicator-owned
// schema extensions, with deferred mail-notification commands.
package bugzilla

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/p4dti/p4dti/internal/types"
)

const timeFormat = "2006-01-02 15:04:05"

// DB is the adapter. All timestamps it writes use the database's own
// clock so that the fence comparisons in ChangedIssuesSince are not
// skewed by the replicator host's clock.
type DB struct {
	db      *sql.DB
	dialect Dialect

	Rid string
	Sid string

	// ReplicatorLogin is the tracker account the replicator writes as.
	ReplicatorLogin string

	// Directory for deferred notification commands, usually the
	// tracker's installation root. Empty disables them.
	Directory string

	replicatorID int // cached profile id, 0 until looked up

	deferred [][]string

	// bulk suppresses per-issue notification commands during migration.
	bulk bool
}

// Open wraps an already-opened database handle.
func Open(db *sql.DB, dialect Dialect, rid, sid, replicatorLogin string) *DB {
	return &DB{db: db, dialect: dialect, Rid: rid, Sid: sid, ReplicatorLogin: replicatorLogin}
}

// Ping verifies the connection.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// ReplicatorID returns the profile id of the replicator's account.
func (d *DB) ReplicatorID(ctx context.Context) (int, error) {
	if d.replicatorID != 0 {
		return d.replicatorID, nil
	}
	var id int
	err := d.db.QueryRowContext(ctx,
		"SELECT userid FROM profiles WHERE login_name = ?", d.ReplicatorLogin).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("the replicator's account %q does not exist in the tracker", d.ReplicatorLogin)
	}
	if err != nil {
		return 0, err
	}
	d.replicatorID = id
	return id, nil
}

// Now reads the database's clock.
func (d *DB) Now(ctx context.Context) (time.Time, error) {
	var s string
	var err error
	if d.dialect.Name() == "sqlite" {
		err = d.db.QueryRowContext(ctx, "SELECT datetime('now')").Scan(&s)
	} else {
		err = d.db.QueryRowContext(ctx, "SELECT NOW()").Scan(&s)
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseDBTime(s)
}

func parseDBTime(s string) (time.Time, error) {
	for _, layout := range []string{timeFormat, "2006-01-02T15:04:05Z", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised database timestamp %q", s)
}

func formatDBTime(t time.Time) string { return t.Format(timeFormat) }

// fieldID resolves an activity-log field name to its fielddefs id.
func (d *DB) fieldID(ctx context.Context, name string) (int, error) {
	var id int
	err := d.db.QueryRowContext(ctx,
		"SELECT fieldid FROM fielddefs WHERE name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no activity field definition for %q", name)
	}
	return id, err
}

// DeferCommand queues a shell command to run after PollEnd releases the
// table locks. Used for the tracker's own mail-notification scripts,
// which must not run while its tables are locked.
func (d *DB) DeferCommand(args ...string) {
	if d.bulk {
		return
	}
	d.deferred = append(d.deferred, args)
}

func (d *DB) runDeferred() {
	cmds := d.deferred
	d.deferred = nil
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		if d.Directory != "" {
			cmd.Dir = d.Directory
		}
		// Failures here lose a notification mail, nothing more.
		_ = cmd.Run()
	}
}

// NotifyScript probes for the tracker's notification script and returns
// the command to run for an issue, or nil when no script is installed.
func (d *DB) NotifyScript(issueID int) []string {
	if d.Directory == "" {
		return nil
	}
	for _, script := range []string{"processmail", "contrib/sendbugmail.pl"} {
		candidate := d.Directory + "/" + script
		if fileExists(candidate) {
			return []string{candidate, fmt.Sprint(issueID), d.ReplicatorLogin}
		}
	}
	return nil
}

// lockWriteTables and lockReadTables are the fixed sets the replicator
// touches during a poll, filtered by existence before locking.
var lockWriteTables = []string{
	"bugs", "bugs_activity", "longdescs",
	"p4dti_bugs", "p4dti_bugs_activity", "p4dti_changelists",
	"p4dti_fixes", "p4dti_filespecs", "p4dti_replications", "p4dti_config",
}

var lockReadTables = []string{
	"profiles", "fielddefs", "products", "components", "versions",
	"bug_group_map", "user_group_map", "groups",
}

// PollStart takes the coarse lock and clears per-poll caches.
func (d *DB) PollStart(ctx context.Context) error {
	d.deferred = nil
	existing, err := d.tableSet(ctx)
	if err != nil {
		return err
	}
	filter := func(names []string) []string {
		var out []string
		for _, n := range names {
			if existing[n] {
				out = append(out, n)
			}
		}
		return out
	}
	if stmt, ok := d.dialect.LockTables(filter(lockWriteTables), filter(lockReadTables)); ok {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// PollEnd releases the lock on all paths and then runs the queued
// notification commands.
func (d *DB) PollEnd(ctx context.Context) error {
	var unlockErr error
	if stmt, ok := d.dialect.UnlockTables(); ok {
		_, unlockErr = d.db.ExecContext(ctx, stmt)
	}
	d.runDeferred()
	return unlockErr
}

func (d *DB) tableSet(ctx context.Context) (map[string]bool, error) {
	var rows *sql.Rows
	var err error
	if d.dialect.Name() == "sqlite" {
		rows, err = d.db.QueryContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table'")
	} else {
		rows, err = d.db.QueryContext(ctx, "SHOW TABLES")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[name] = true
	}
	return set, rows.Err()
}

// scanIssueRows turns a bugs query result into Issues, mapping every
// column so configured extra fields come along without schema knowledge.
func scanIssueRows(rows *sql.Rows) ([]*types.Issue, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var issues []*types.Issue
	for rows.Next() {
		vals := make([]any, len(cols))
		for i := range vals {
			vals[i] = new(sql.NullString)
		}
		if err := rows.Scan(vals...); err != nil {
			return nil, err
		}
		issue := &types.Issue{Fields: make(map[string]string, len(cols))}
		for i, c := range cols {
			ns := vals[i].(*sql.NullString)
			if !ns.Valid {
				continue
			}
			switch c {
			case "bug_id":
				fmt.Sscanf(ns.String, "%d", &issue.ID)
				issue.Fields[c] = ns.String
			case "creation_ts":
				issue.CreationTS, _ = parseDBTime(ns.String)
				issue.Fields[c] = ns.String
			case "delta_ts":
				issue.DeltaTS, _ = parseDBTime(ns.String)
				issue.Fields[c] = ns.String
			default:
				issue.Fields[c] = ns.String
			}
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
