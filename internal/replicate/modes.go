package replicate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/p4dti/p4dti/internal/p4"
	"github.com/p4dti/p4dti/internal/types"
)

// TargetJobspec returns the jobspec fields the replicator requires,
// including a select Status carrying the translated status values.
func (r *Replicator) TargetJobspec() []types.JobField {
	statusValues := []string{"open", "closed", "suspended"}
	if r.opt.StatusTranslator != nil {
		statusValues = r.opt.StatusTranslator.Values()
	}
	fields := []types.JobField{
		{Code: 101, Name: "Job", Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired},
		{Code: 102, Name: "Status", Type: types.TypeSelect, Length: 32, Persistence: types.PersistRequired,
			Values: statusValues, Preset: "open"},
		{Code: 103, Name: "User", Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired, Preset: "$user"},
		{Code: 104, Name: "Date", Type: types.TypeDate, Length: 20, Persistence: types.PersistAlways, Preset: "$now"},
		{Code: 105, Name: "Description", Type: types.TypeText, Length: 0, Persistence: types.PersistRequired, Preset: "$blank"},
		{Code: 191, Name: types.FieldSpecs, Type: types.TypeText, Length: 0, Persistence: types.PersistOptional},
		{Code: 192, Name: types.FieldRid, Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired, Preset: types.SentinelNone},
		{Code: 193, Name: types.FieldIssueID, Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired, Preset: types.SentinelNone},
		{Code: 194, Name: types.FieldUser, Type: types.TypeWord, Length: 32, Persistence: types.PersistAlways, Preset: "$user"},
	}
	for _, f := range r.fields {
		switch f.Job {
		case "Job", "Status", "User", "Date", "Description",
			types.FieldSpecs, types.FieldRid, types.FieldIssueID, types.FieldUser:
			continue
		}
		fields = append(fields, types.JobField{
			Name: f.Job, Type: types.TypeLine, Length: 0, Persistence: types.PersistOptional,
		})
	}
	return fields
}

// Startup performs the first-run and every-run checks: jobspec
// installation or validation, event-log initialisation, the replication
// mark, and the user-matching report.
func (r *Replicator) Startup(ctx context.Context) error {
	spec, err := r.jobs.Jobspec(ctx)
	if err != nil {
		return err
	}
	target := r.TargetJobspec()
	if !spec.HasField(types.FieldRid) {
		jobs, err := r.jobs.AllJobs(ctx)
		if err != nil {
			return err
		}
		if len(jobs) > 0 {
			r.logf(706)
			return fmt.Errorf("the job store has %d jobs but its jobspec has no replicator fields; delete the jobs or extend the jobspec first", len(jobs))
		}
	}
	if !r.opt.KeepJobspec {
		extended, err := p4.ExtendJobspec(spec, target)
		if err != nil {
			return err
		}
		if err := r.jobs.InstallJobspec(ctx, extended); err != nil {
			return err
		}
		spec = extended
	}
	if err := p4.ValidateJobspec(spec, target); err != nil {
		return err
	}
	if err := r.jobs.StartLogger(ctx); err != nil {
		return err
	}
	if err := r.issues.InitReplications(ctx, r.opt.StartDate); err != nil {
		return err
	}
	if err := r.loadUsers(ctx); err != nil {
		return err
	}
	r.logf(866)
	if r.opt.Users != nil {
		bzUn, p4Un := r.opt.Users.Unmatched()
		bzDup, p4Dup := r.opt.Users.Duplicates()
		if err := r.mail.Startup(r.opt.Rid, bzUn, p4Un, bzDup, p4Dup); err != nil {
			return err
		}
	}
	return nil
}

// Migrate imports every unlinked job as a new issue. Link rows carry
// the migration timestamp so the next poll does not see the imports as
// changes. The jobspec is left alone; run Startup afterwards.
func (r *Replicator) Migrate(ctx context.Context, startJob string) error {
	if err := r.issues.PollStart(ctx); err != nil {
		return err
	}
	defer r.issues.PollEnd(ctx)
	if err := r.loadUsers(ctx); err != nil {
		return err
	}
	jobs, err := r.jobs.AllJobs(ctx)
	if err != nil {
		return err
	}
	r.issues.NewIssueStart()
	defer r.issues.NewIssueEnd()
	started := startJob == ""
	now := time.Now()
	migrated := 0
	for _, job := range jobs {
		if !started {
			if job.Name == startJob {
				started = true
			} else {
				continue
			}
		}
		if job.Linked() {
			continue
		}
		if err := r.createIssueFromJob(ctx, job, &now); err != nil {
			return fmt.Errorf("migrating job %s: %w", job.Name, err)
		}
		r.logf(892, job.Name, job.IssueID())
		migrated++
	}
	r.logf(895)
	return nil
}

// Refresh force-writes every replicable issue to its job and then
// clears the event log, so the next poll starts from a clean slate.
// Jobs are never deleted.
func (r *Replicator) Refresh(ctx context.Context) error {
	if err := r.issues.PollStart(ctx); err != nil {
		return err
	}
	defer r.issues.PollEnd(ctx)
	if err := r.loadUsers(ctx); err != nil {
		return err
	}
	issues, err := r.issues.AllIssuesSince(ctx, r.opt.StartDate)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		if issue.Link != nil && !issue.Replicated(r.opt.Rid, r.opt.Sid) {
			continue
		}
		jobname := r.jobnameFor(issue)
		if err := r.replicateIssueToJob(ctx, issue, jobname, true); err != nil {
			return err
		}
	}
	return r.jobs.ClearLogger(ctx)
}

// Check is the read-only consistency audit. It re-translates every
// linked pair and reports each discrepancy, returning the total count.
func (r *Replicator) Check(ctx context.Context) (int, error) {
	r.logf(871, r.opt.Rid)
	if err := r.loadUsers(ctx); err != nil {
		return 0, err
	}
	issues, err := r.issues.AllIssuesSince(ctx, r.opt.StartDate)
	if err != nil {
		return 0, err
	}
	problems := 0
	checked := 0
	seenJobs := make(map[string]bool)
	for _, issue := range issues {
		if issue.Link != nil && !issue.Replicated(r.opt.Rid, r.opt.Sid) {
			continue
		}
		checked++
		if issue.Link == nil {
			r.logf(872, issue.ID)
			problems++
			continue
		}
		jobname := issue.Link.Jobname
		seenJobs[jobname] = true
		job, err := r.jobs.Job(ctx, jobname)
		if err != nil || !job.Linked() {
			r.logf(873, issue.ID, jobname)
			problems++
			continue
		}
		if job.IssueID() != issue.ID {
			r.logf(874, issue.ID, jobname, job.IssueID())
			problems++
			continue
		}
		changes, err := r.issueToJobChanges(issue, job)
		if err != nil {
			return problems, err
		}
		if len(changes) > 0 {
			r.logf(875, jobname, issue.ID, fmt.Sprintf("%v", changes))
			problems++
		}
		problems += r.checkFilespecs(ctx, issue, job)
		n, err := r.checkFixes(ctx, issue, jobname)
		if err != nil {
			return problems, err
		}
		problems += n
	}
	// Orphan jobs: marked with this rid but pointing at a missing or
	// unreplicated issue.
	jobs, err := r.jobs.AllJobs(ctx)
	if err != nil {
		return problems, err
	}
	for _, job := range jobs {
		if job.Rid() != r.opt.Rid || seenJobs[job.Name] {
			continue
		}
		r.logf(882, job.Name, job.Field(types.FieldIssueID))
		problems++
	}
	r.logf(884, checked)
	if problems == 0 {
		r.logf(885)
	} else {
		r.logf(887, problems)
	}
	return problems, nil
}

func (r *Replicator) checkFilespecs(ctx context.Context, issue *types.Issue, job *types.Job) int {
	problems := 0
	jobSpecs := filespecsFromJob(job)
	issueSpecs, err := r.issues.Filespecs(ctx, issue.ID)
	if err != nil {
		return 0
	}
	issueSet := make(map[string]bool, len(issueSpecs))
	for _, s := range issueSpecs {
		issueSet[s] = true
	}
	for s := range jobSpecs {
		if !issueSet[s] {
			r.logf(876, job.Name, s, issue.ID)
			problems++
		}
	}
	for s := range issueSet {
		if !jobSpecs[s] {
			r.logf(877, issue.ID, s, job.Name)
			problems++
		}
	}
	return problems
}

func (r *Replicator) checkFixes(ctx context.Context, issue *types.Issue, jobname string) (int, error) {
	problems := 0
	jobFixes, err := r.jobs.Fixes(ctx, jobname)
	if err != nil {
		return 0, err
	}
	issueFixes, err := r.issues.Fixes(ctx, issue.ID)
	if err != nil {
		return 0, err
	}
	byChange := make(map[int]*types.Fix, len(jobFixes))
	for _, f := range jobFixes {
		byChange[f.Change] = f
	}
	for change, jf := range byChange {
		inf, ok := issueFixes[change]
		switch {
		case !ok:
			r.logf(878, strconv.Itoa(change), jobname, issue.ID)
			problems++
		case inf.Status != jf.Status:
			r.logf(880, strconv.Itoa(change), jobname, jf.Status, issue.ID, inf.Status)
			problems++
		}
	}
	for change := range issueFixes {
		if _, ok := byChange[change]; !ok {
			r.logf(879, change, issue.ID, jobname)
			problems++
		}
	}
	return problems, nil
}

// CheckJobs verifies that every job owned by this replicator pairs
// cleanly with its issue. Returns the number of broken jobs.
func (r *Replicator) CheckJobs(ctx context.Context) (int, error) {
	jobs, err := r.jobs.AllJobs(ctx)
	if err != nil {
		return 0, err
	}
	broken := 0
	for _, job := range jobs {
		rid := job.Field(types.FieldRid)
		id := job.Field(types.FieldIssueID)
		halfLinked := (rid == types.SentinelNone) != (id == types.SentinelNone)
		if halfLinked {
			r.logf(882, job.Name, id)
			broken++
			continue
		}
		if job.Rid() != r.opt.Rid || !job.Linked() {
			continue
		}
		issue, err := r.issues.Issue(ctx, job.IssueID())
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				r.logf(882, job.Name, id)
				broken++
				continue
			}
			return broken, err
		}
		if issue.Link == nil || issue.Link.Jobname != job.Name {
			r.logf(874, issue.ID, job.Name, job.IssueID())
			broken++
		}
	}
	return broken, nil
}

// CheckJobspec validates the installed jobspec against the target
// without changing anything.
func (r *Replicator) CheckJobspec(ctx context.Context) error {
	spec, err := r.jobs.Jobspec(ctx)
	if err != nil {
		return err
	}
	return p4.ValidateJobspec(spec, r.TargetJobspec())
}

// ExtendJobspec merges the target fields into the installed jobspec and
// writes it back.
func (r *Replicator) ExtendJobspec(ctx context.Context) error {
	spec, err := r.jobs.Jobspec(ctx)
	if err != nil {
		return err
	}
	extended, err := p4.ExtendJobspec(spec, r.TargetJobspec())
	if err != nil {
		return err
	}
	return r.jobs.InstallJobspec(ctx, extended)
}
