package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "p4dti.yaml")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	if err := Initialize(writeConfig(t, "")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if got := GetString("rid"); got != "replicator0" {
		t.Errorf("rid default = %q, want replicator0", got)
	}
	if got := GetDuration("poll-period"); got != 60*time.Second {
		t.Errorf("poll-period default = %v, want 60s", got)
	}
	if got := GetString("conflict-policy"); got != "bugzilla" {
		t.Errorf("conflict-policy default = %q, want bugzilla", got)
	}
	if GetBool("use-perforce-jobnames") {
		t.Error("use-perforce-jobnames should default to false")
	}
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	p := writeConfig(t, `
rid: bugzilla-replicator
poll-period: 5m
bugzilla:
  database: landfill
fields:
  - bugzilla: priority
    p4: Priority
    translator: enum
  - bugzilla: longdesc
    p4: Description
    translator: text
    append-only: "true"
`)
	if err := Initialize(p); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if got := GetString("rid"); got != "bugzilla-replicator" {
		t.Errorf("rid = %q", got)
	}
	if got := GetDuration("poll-period"); got != 5*time.Minute {
		t.Errorf("poll-period = %v", got)
	}
	if got := GetString("bugzilla.database"); got != "landfill" {
		t.Errorf("bugzilla.database = %q", got)
	}

	fields := Fields()
	if len(fields) != 2 {
		t.Fatalf("Fields() returned %d mappings, want 2", len(fields))
	}
	if fields[0].Bugzilla != "priority" || fields[0].P4 != "Priority" || fields[0].Translator != "enum" {
		t.Errorf("fields[0] = %+v", fields[0])
	}
	if !fields[1].AppendOnly {
		t.Error("fields[1] should be append-only")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Setenv("P4DTI_SID", "perforce-east")
	if err := Initialize(writeConfig(t, "sid: perforce-west\n")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := GetString("sid"); got != "perforce-east" {
		t.Errorf("sid = %q, want env value perforce-east", got)
	}
}
