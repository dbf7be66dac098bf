package bugzilla

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/p4dti/p4dti/internal/types"
)

// SchemaVersion is the version of the replicator's schema extensions
// that this build maintains.
const SchemaVersion = "2"

// extensionDDL builds the replicator-owned tables. Field widths match
// the tracker's own conventions so joins stay index-friendly.
func extensionDDL(d Dialect) map[string]string {
	return map[string]string{
		"p4dti_bugs": `CREATE TABLE p4dti_bugs (
  bug_id INT NOT NULL,
  rid VARCHAR(32) NOT NULL,
  sid VARCHAR(32) NOT NULL,
  jobname VARCHAR(128) NOT NULL,
  migrated DATETIME,
  PRIMARY KEY (bug_id, rid, sid)
)`,
		"p4dti_bugs_activity": `CREATE TABLE p4dti_bugs_activity (
  bug_id INT NOT NULL,
  who INT NOT NULL,
  bug_when DATETIME NOT NULL,
  fieldid INT NOT NULL,
  removed VARCHAR(255),
  added VARCHAR(255),
  rid VARCHAR(32) NOT NULL,
  sid VARCHAR(32) NOT NULL
)`,
		"p4dti_changelists": `CREATE TABLE p4dti_changelists (
  changelist INT NOT NULL,
  rid VARCHAR(32) NOT NULL,
  sid VARCHAR(32) NOT NULL,
  user_name VARCHAR(128) NOT NULL,
  flags INT NOT NULL DEFAULT 0,
  description TEXT,
  client VARCHAR(128),
  p4date VARCHAR(32),
  PRIMARY KEY (changelist, rid, sid)
)`,
		"p4dti_fixes": `CREATE TABLE p4dti_fixes (
  changelist INT NOT NULL,
  bug_id INT NOT NULL,
  rid VARCHAR(32) NOT NULL,
  sid VARCHAR(32) NOT NULL,
  user_name VARCHAR(128) NOT NULL,
  client VARCHAR(128),
  status VARCHAR(32),
  p4date VARCHAR(32),
  PRIMARY KEY (changelist, bug_id, rid, sid)
)`,
		"p4dti_filespecs": `CREATE TABLE p4dti_filespecs (
  bug_id INT NOT NULL,
  rid VARCHAR(32) NOT NULL,
  sid VARCHAR(32) NOT NULL,
  filespec TEXT NOT NULL
)`,
		"p4dti_config": `CREATE TABLE p4dti_config (
  rid VARCHAR(32) NOT NULL,
  sid VARCHAR(32) NOT NULL,
  config_key VARCHAR(64) NOT NULL,
  config_value TEXT,
  PRIMARY KEY (rid, sid, config_key)
)`,
		"p4dti_replications": fmt.Sprintf(`CREATE TABLE p4dti_replications (
  rid VARCHAR(32) NOT NULL,
  sid VARCHAR(32) NOT NULL,
  start DATETIME NOT NULL,
  end DATETIME NOT NULL,
  completed INT NOT NULL DEFAULT 0,
  id %s
)`, d.AutoPrimaryKey()),
	}
}

// migration steps walk a stored version to its successor. Applied in a
// loop until the stored version reaches SchemaVersion.
type migration struct {
	to         string
	statements []string
}

var migrations = map[string]migration{
	// Version 0 predates migration support; links made then have no
	// provenance, which the changed-issue queries treat as migrated
	// at the dawn of time.
	"0": {to: "1", statements: []string{
		"ALTER TABLE p4dti_bugs ADD COLUMN migrated DATETIME",
	}},
	"1": {to: "2", statements: []string{
		"ALTER TABLE p4dti_fixes ADD COLUMN p4date VARCHAR(32)",
		"ALTER TABLE p4dti_changelists ADD COLUMN p4date VARCHAR(32)",
	}},
}

// EnsureSchema creates the extension tables that are missing and
// upgrades the stored schema version to SchemaVersion. A version this
// build does not know is fatal: downgrading the replicator against an
// upgraded database would corrupt the link tables.
func (d *DB) EnsureSchema(ctx context.Context) error {
	existing, err := d.tableSet(ctx)
	if err != nil {
		return err
	}
	ddl := extensionDDL(d.dialect)
	fresh := !existing["p4dti_config"]
	for table, stmt := range ddl {
		if existing[table] {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating %s: %w", table, err)
		}
	}
	if fresh {
		return d.SetConfig(ctx, "schema_version", SchemaVersion)
	}
	return d.upgradeSchema(ctx)
}

func (d *DB) upgradeSchema(ctx context.Context) error {
	version, err := d.Config(ctx, "schema_version")
	if err != nil {
		return err
	}
	if version == "" {
		// Prehistoric installations stored no version at all; they
		// are structurally version 0.
		version = "0"
	}
	for version != SchemaVersion {
		step, ok := migrations[version]
		if !ok {
			return &types.SchemaVersionError{Stored: version, Current: SchemaVersion}
		}
		for _, stmt := range step.statements {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("upgrading schema from %s to %s: %w", version, step.to, err)
			}
		}
		version = step.to
		if err := d.SetConfig(ctx, "schema_version", version); err != nil {
			return err
		}
	}
	return nil
}

// Config reads one configuration row; missing keys return "".
func (d *DB) Config(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := d.db.QueryRowContext(ctx,
		"SELECT config_value FROM p4dti_config WHERE rid = ? AND sid = ? AND config_key = ?",
		d.Rid, d.Sid, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// SetConfig upserts one configuration row.
func (d *DB) SetConfig(ctx context.Context, key, value string) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE p4dti_config SET config_value = ? WHERE rid = ? AND sid = ? AND config_key = ?",
		value, d.Rid, d.Sid, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = d.db.ExecContext(ctx,
		"INSERT INTO p4dti_config (rid, sid, config_key, config_value) VALUES (?, ?, ?, ?)",
		d.Rid, d.Sid, key, value)
	return err
}

// trackerVersions maps tracker releases to the tables each added and
// removed relative to its predecessor. Ordered oldest first.
var trackerVersions = []struct {
	version string
	added   []string
	removed []string
}{
	{version: "2.14", added: []string{"bugs", "bugs_activity", "profiles", "fielddefs", "longdescs", "groups"}},
	{version: "2.16", added: []string{"bug_group_map", "user_group_map", "attachstatusdefs"}},
	{version: "2.18", added: []string{"bug_severity", "flagtypes", "flags"}, removed: []string{"attachstatusdefs"}},
}

// DetectVersion guesses the tracker release from the observed table
// set: the release whose expected set needs the fewest additions and
// removals wins, earliest release breaking ties.
func (d *DB) DetectVersion(ctx context.Context) (string, error) {
	observed, err := d.tableSet(ctx)
	if err != nil {
		return "", err
	}
	known := make(map[string]bool)
	for _, v := range trackerVersions {
		for _, t := range v.added {
			known[t] = true
		}
	}
	expected := make(map[string]bool)
	best, bestScore := "", -1
	for _, v := range trackerVersions {
		for _, t := range v.added {
			expected[t] = true
		}
		for _, t := range v.removed {
			delete(expected, t)
		}
		// Score is missing expected tables plus observed tables that
		// belong to a different release. Site-private tables do not
		// count against any release.
		score := 0
		for t := range expected {
			if !observed[t] {
				score++
			}
		}
		for t := range observed {
			if known[t] && !expected[t] {
				score++
			}
		}
		if bestScore == -1 || score < bestScore {
			best, bestScore = v.version, score
		}
	}
	if best == "" {
		return "", fmt.Errorf("cannot determine the tracker version from its tables")
	}
	return best, nil
}
