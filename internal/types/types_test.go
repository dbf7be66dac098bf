package types

import (
	"errors"
	"testing"
)

func TestJobLinkPairing(t *testing.T) {
	j := &Job{Name: "job000001"}
	if j.Linked() {
		t.Error("job with no fields reported as linked")
	}

	j.ClearLink()
	if j.Linked() {
		t.Error("job with sentinel fields reported as linked")
	}
	if j.Rid() != "" || j.IssueID() != 0 {
		t.Errorf("sentinel link decoded as (%q, %d)", j.Rid(), j.IssueID())
	}

	j.SetLink("replicator0", "42")
	if !j.Linked() {
		t.Error("linked job reported as unlinked")
	}
	if j.Rid() != "replicator0" {
		t.Errorf("Rid() = %q, want replicator0", j.Rid())
	}
	if j.IssueID() != 42 {
		t.Errorf("IssueID() = %d, want 42", j.IssueID())
	}
}

func TestJobIssueIDRejectsGarbage(t *testing.T) {
	j := &Job{Name: "job000002"}
	j.SetLink("replicator0", "4x2")
	if got := j.IssueID(); got != 0 {
		t.Errorf("IssueID() = %d for non-numeric field, want 0", got)
	}
}

func TestIssueReplicated(t *testing.T) {
	i := &Issue{ID: 7}
	if i.Replicated("r0", "s0") {
		t.Error("issue without link reported as replicated")
	}
	i.Link = &Link{IssueID: 7, Rid: "r0", Sid: "s0", Jobname: "job000007"}
	if !i.Replicated("r0", "s0") {
		t.Error("linked issue reported as unreplicated")
	}
	if i.Replicated("r1", "s0") {
		t.Error("issue owned by r0 reported as replicated by r1")
	}
}

func TestNotFoundErrorIs(t *testing.T) {
	err := error(&NotFoundError{Kind: "issue", ID: "12"})
	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFoundError does not unwrap to ErrNotFound")
	}
}

func TestJobspecField(t *testing.T) {
	spec := &Jobspec{Fields: []JobField{
		{Code: 101, Name: "Job", Type: TypeWord, Persistence: PersistRequired},
		{Code: 192, Name: FieldRid, Type: TypeWord, Persistence: PersistRequired, Preset: SentinelNone},
	}}
	if f := spec.Field(FieldRid); f == nil || f.Code != 192 {
		t.Fatalf("Field(%s) = %+v, want code 192", FieldRid, f)
	}
	if spec.HasField("Nope") {
		t.Error("HasField reports a field the spec does not declare")
	}
	codes := spec.Codes()
	if !codes[101] || !codes[192] || len(codes) != 2 {
		t.Errorf("Codes() = %v", codes)
	}
}
