package replicate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/p4dti/p4dti/internal/bugzilla"
	"github.com/p4dti/p4dti/internal/notify"
	"github.com/p4dti/p4dti/internal/translate"
	"github.com/p4dti/p4dti/internal/types"
)

func testReplicator(t *testing.T) (*Replicator, *fakeIssues, *fakeJobs, *[]string) {
	t.Helper()
	fi := newFakeIssues("replicator0", "perforce0")
	fj := newFakeJobs("replicator0")
	pairs, err := translate.MakeStatusPairs(
		[]string{"NEW", "ASSIGNED", "RESOLVED"}, "RESOLVED")
	if err != nil {
		t.Fatal(err)
	}
	var sent []string
	mail := notify.NewWithSender("relay:25", "replicator@example.com", "admin@example.com",
		func(addr, from string, to []string, msg []byte) error {
			sent = append(sent, string(msg))
			return nil
		})
	r := New(fi, fj, mail, nil, Options{
		Rid: "replicator0", Sid: "perforce0",
		Policy:             IssueWins,
		ReplicateFixes:     true,
		ReplicateFilespecs: true,
		StatusTranslator:   translate.NewStatus(pairs),
		Users:              translate.NewUserTranslator("replicator@example.com", "p4dti-replicator0"),
		IssuePolicy:        bugzilla.DefaultPolicy(),
	})
	return r, fi, fj, &sent
}

// linkPair builds a consistent linked issue/job pair and quiesces both
// change feeds, as if a previous poll had replicated them.
func linkPair(t *testing.T, fi *fakeIssues, fj *fakeJobs) (*types.Issue, *types.Job) {
	t.Helper()
	issue := fi.addIssue(map[string]string{
		"bug_status": "NEW", "assigned_to": "2", "short_desc": "A bug", "resolution": "",
	})
	jobname := "job000001"
	issue.Link = &types.Link{IssueID: issue.ID, Rid: fi.rid, Sid: fi.sid, Jobname: jobname}
	job := fj.touch(jobname, map[string]string{
		"Status":           "bugzilla_new",
		"User":             "alice",
		"Description":      "A bug\n",
		types.FieldRid:     "replicator0",
		types.FieldIssueID: "1",
		types.FieldUser:    "alice",
	})
	delete(fi.changed, issue.ID)
	fj.marked = len(fj.log)
	return issue, job
}

func TestJobEditPropagatesToIssue(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	issue, _ := linkPair(t, fi, fj)
	fj.touch("job000001", map[string]string{"Status": "assigned"})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if issue.Field("bug_status") != "ASSIGNED" {
		t.Errorf("bug_status = %q, want ASSIGNED", issue.Field("bug_status"))
	}
	// The poll must not have echoed anything back to the job.
	if got := fj.jobs["job000001"].Field("Status"); got != "assigned" {
		t.Errorf("job status = %q after poll", got)
	}
}

func TestIssueEditPropagatesToJobWithoutEcho(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	issue, _ := linkPair(t, fi, fj)
	issue.SetField("bug_status", "RESOLVED")
	issue.SetField("resolution", "FIXED")
	fi.changed[issue.ID] = true

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fj.jobs["job000001"].Field("Status"); got != "closed" {
		t.Errorf("job status = %q, want closed", got)
	}

	// The write was journalled; the next poll must consume the echo
	// rather than replicate it back.
	before := issue.Field("bug_status")
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if issue.Field("bug_status") != before {
		t.Error("self-echo was replicated back to the issue")
	}
	for name, n := range r.jobUpdates {
		if n != 0 {
			t.Errorf("jobUpdates[%s] = %d after quiet poll", name, n)
		}
	}
}

func TestConflictIssueWins(t *testing.T) {
	r, fi, fj, sent := testReplicator(t)
	issue, _ := linkPair(t, fi, fj)
	issue.SetField("bug_status", "ASSIGNED")
	fi.changed[issue.ID] = true
	fj.touch("job000001", map[string]string{"Status": "closed"})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fj.jobs["job000001"].Field("Status"); got != "assigned" {
		t.Errorf("job status = %q, want the issue's value", got)
	}
	if issue.Field("bug_status") != "ASSIGNED" {
		t.Errorf("issue status = %q, want preserved", issue.Field("bug_status"))
	}
	if len(*sent) != 1 || !strings.Contains((*sent)[0], "conflict") {
		t.Errorf("conflict mail = %v", *sent)
	}
}

func TestConflictJobWinsNotifies(t *testing.T) {
	r, fi, fj, sent := testReplicator(t)
	r.opt.Policy = JobWins
	issue, _ := linkPair(t, fi, fj)
	issue.SetField("bug_status", "ASSIGNED")
	fi.changed[issue.ID] = true
	fj.touch("job000001", map[string]string{"Status": "closed"})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := issue.Field("bug_status"); got != "RESOLVED" {
		t.Errorf("issue status = %q, want the job's value", got)
	}
	if got := fj.jobs["job000001"].Field("Status"); got != "closed" {
		t.Errorf("job status = %q, want preserved", got)
	}
	// The losing side's owner hears about the overwrite either way.
	if len(*sent) != 1 || !strings.Contains((*sent)[0], "conflict") {
		t.Errorf("conflict mail = %v", *sent)
	}
	if !strings.Contains((*sent)[0], "alice@example.com") {
		t.Errorf("conflict mail not addressed to the assignee: %v", *sent)
	}
}

func TestConflictPolicyNone(t *testing.T) {
	r, fi, fj, sent := testReplicator(t)
	r.opt.Policy = NoOp
	issue, _ := linkPair(t, fi, fj)
	issue.SetField("bug_status", "ASSIGNED")
	fi.changed[issue.ID] = true
	fj.touch("job000001", map[string]string{"Status": "closed"})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fj.jobs["job000001"].Field("Status"); got != "closed" {
		t.Errorf("job touched under no-op policy: %q", got)
	}
	if len(*sent) != 0 {
		t.Errorf("unexpected mail: %v", *sent)
	}
}

func TestRejectedUpdateRevertsJob(t *testing.T) {
	r, fi, fj, sent := testReplicator(t)
	issue, _ := linkPair(t, fi, fj)
	fi.updateErr = &types.TransitionError{Issue: issue.ID, From: "NEW", To: "RESOLVED"}
	fj.touch("job000001", map[string]string{"Status": "closed"})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if issue.Field("bug_status") != "NEW" {
		t.Errorf("issue status = %q, want unchanged", issue.Field("bug_status"))
	}
	if got := fj.jobs["job000001"].Field("Status"); got != "bugzilla_new" {
		t.Errorf("job status = %q, want reverted", got)
	}
	if len(*sent) != 1 || !strings.Contains((*sent)[0], "reverted") {
		t.Errorf("revert mail = %v", *sent)
	}
}

func TestNewIssueCreatesLinkedJob(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	issue := fi.addIssue(map[string]string{
		"bug_status": "NEW", "assigned_to": "2", "short_desc": "Fresh bug",
	})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	jobname := "bug1"
	job := fj.jobs[jobname]
	if job == nil {
		t.Fatalf("no job %s created; jobs = %v", jobname, fj.jobs)
	}
	if job.Field(types.FieldRid) != "replicator0" || job.Field(types.FieldIssueID) != "1" {
		t.Errorf("link fields = %q %q", job.Field(types.FieldRid), job.Field(types.FieldIssueID))
	}
	if issue.Link == nil || issue.Link.Jobname != jobname {
		t.Errorf("issue link = %+v", issue.Link)
	}
}

func TestPerforceJobnamesUseServerAssignedName(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	r.opt.UsePerforceJobnames = true
	issue := fi.addIssue(map[string]string{
		"bug_status": "NEW", "assigned_to": "2", "short_desc": "Fresh bug",
	})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if issue.Link == nil || issue.Link.Jobname != "job000001" {
		t.Errorf("issue link = %+v, want the server-assigned name", issue.Link)
	}
	if fj.jobs["job000001"] == nil {
		t.Errorf("jobs = %v", fj.jobs)
	}
}

func TestNewJobCreatesLinkedIssue(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	fj.touch("job000009", map[string]string{
		"Status": "assigned", "User": "alice", "Description": "From the job side\n",
		types.FieldUser: "alice",
	})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	issue := fi.issues[1]
	if issue == nil {
		t.Fatal("no issue created")
	}
	if issue.Field("bug_status") != "ASSIGNED" || issue.Field("assigned_to") != "2" {
		t.Errorf("issue fields = %v", issue.Fields)
	}
	if issue.Link == nil || issue.Link.Jobname != "job000009" || issue.Link.Migrated != nil {
		t.Errorf("link = %+v", issue.Link)
	}
	if got := fj.jobs["job000009"].Field(types.FieldIssueID); got != "1" {
		t.Errorf("job issue id = %q", got)
	}
}

func TestFixAndFilespecReplication(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	issue, _ := linkPair(t, fi, fj)
	fj.fixes["job000001"] = map[int]*types.Fix{
		42: {Change: 42, Status: "closed", User: "alice"},
	}
	fj.cls[42] = &types.Changelist{Change: 42, User: "alice", Status: "submitted"}
	fj.touch("job000001", map[string]string{
		types.FieldSpecs: "//depot/a/...\n//depot/b/...",
	})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	fixes, _ := fi.Fixes(context.Background(), issue.ID)
	if fixes[42] == nil || fixes[42].Status != "closed" {
		t.Errorf("mirrored fixes = %v", fixes)
	}
	if fi.cls[42] == nil {
		t.Errorf("changelist 42 not mirrored alongside its fix")
	}
	specs, _ := fi.Filespecs(context.Background(), issue.ID)
	if len(specs) != 2 {
		t.Errorf("mirrored filespecs = %v", specs)
	}

	// Deleting the fix on the issue side propagates to the job.
	delete(fi.fixes[issue.ID], 42)
	fi.changed[issue.ID] = true
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fj.fixes["job000001"]) != 0 {
		t.Errorf("job fixes = %v, want deleted", fj.fixes["job000001"])
	}
}

func TestMigrate(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	fj.touch("job000001", map[string]string{
		"Status": "assigned", "User": "alice", "Description": "First\n", types.FieldUser: "alice",
	})
	fj.touch("job000002", map[string]string{
		"Status": "bugzilla_new", "User": "alice", "Description": "Second\n", types.FieldUser: "alice",
	})

	if err := r.Migrate(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if len(fi.issues) != 2 {
		t.Fatalf("issues = %v", fi.issues)
	}
	for _, issue := range fi.issues {
		if issue.Link == nil || issue.Link.Migrated == nil {
			t.Errorf("issue %d link = %+v, want a migrated timestamp", issue.ID, issue.Link)
		}
	}
	// A subsequent poll must not see the migrated issues as changes.
	before := len(fj.log)
	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fj.log) != before {
		t.Error("migration followed by a poll wrote to the job store")
	}
}

func TestRefreshForcesAndClearsLogger(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	_, _ = linkPair(t, fi, fj)
	// Job diverged behind the replicator's back.
	fj.jobs["job000001"].SetField("Status", "closed")

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fj.jobs["job000001"].Field("Status"); got != "bugzilla_new" {
		t.Errorf("job status = %q after refresh", got)
	}
	if !fj.cleared {
		t.Error("refresh did not clear the event log")
	}
}

func TestCheckReportsDivergence(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	_, _ = linkPair(t, fi, fj)
	problems, err := r.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if problems != 0 {
		t.Errorf("problems = %d on a consistent pair", problems)
	}
	fj.jobs["job000001"].SetField("Status", "closed")
	problems, err = r.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if problems == 0 {
		t.Error("divergence not reported")
	}
}

func TestStartupRejectsJobsWithoutLinkFields(t *testing.T) {
	r, _, fj, _ := testReplicator(t)
	fj.spec = &types.Jobspec{Fields: []types.JobField{
		{Code: 101, Name: "Job", Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired},
		{Code: 102, Name: "Status", Type: types.TypeSelect, Length: 32, Persistence: types.PersistRequired,
			Values: []string{"open", "closed"}},
		{Code: 105, Name: "Description", Type: types.TypeText, Persistence: types.PersistRequired},
	}}
	fj.jobs["job000001"] = &types.Job{Name: "job000001", Fields: map[string]string{"Job": "job000001"}}

	if err := r.Startup(context.Background()); err == nil {
		t.Fatal("startup accepted pre-existing jobs with no link fields")
	}
}

func TestStartupExtendsJobspecAndMails(t *testing.T) {
	r, _, fj, sent := testReplicator(t)
	r.opt.StartDate = time.Now()
	fj.spec = &types.Jobspec{Fields: []types.JobField{
		{Code: 101, Name: "Job", Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired},
		{Code: 102, Name: "Status", Type: types.TypeSelect, Length: 32, Persistence: types.PersistRequired,
			Values: []string{"open", "closed"}},
		{Code: 105, Name: "Description", Type: types.TypeText, Persistence: types.PersistRequired},
	}}

	if err := r.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fj.spec.HasField(types.FieldRid) || !fj.spec.HasField(types.FieldIssueID) {
		t.Errorf("jobspec not extended: %+v", fj.spec.Fields)
	}
	if len(*sent) != 1 || !strings.Contains((*sent)[0], "started") {
		t.Errorf("startup mail = %v", *sent)
	}
}

func TestCheckJobspec(t *testing.T) {
	r, _, fj, _ := testReplicator(t)
	if err := r.CheckJobspec(context.Background()); err != nil {
		t.Errorf("complete jobspec rejected: %v", err)
	}
	fj.spec.Fields = fj.spec.Fields[:6] // drop the P4DTI fields
	if err := r.CheckJobspec(context.Background()); err == nil {
		t.Error("incomplete jobspec accepted")
	}
}

func TestRenumberedChangelistRetriesFixPass(t *testing.T) {
	r, fi, fj, _ := testReplicator(t)
	issue, _ := linkPair(t, fi, fj)
	// The first read of the job's fixes names pending changelist 42,
	// which submit renumbers to 43 before it can be fetched. The fresh
	// read on the retry carries the new number.
	fj.fixes["job000001"] = map[int]*types.Fix{
		43: {Change: 43, Status: "closed", User: "alice"},
	}
	fj.cls[43] = &types.Changelist{Change: 43, User: "alice", Status: "submitted"}
	fj.staleFixes = []*types.Fix{{Change: 42, Status: "closed", User: "alice"}}
	fj.touch("job000001", map[string]string{"User": "alice"})

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	fixes, _ := fi.Fixes(context.Background(), issue.ID)
	if fixes[43] == nil {
		t.Errorf("fix not mirrored after the retry: %v", fixes)
	}
	if fixes[42] != nil {
		t.Errorf("stale fix mirrored: %v", fixes)
	}
	if fi.cls[43] == nil {
		t.Errorf("renumbered changelist not mirrored")
	}
}
