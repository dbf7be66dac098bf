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

// changeClass says which sides of a pair changed since the last poll.
type changeClass int

const (
	issueChanged changeClass = iota
	jobChanged
	bothChanged
)

// PollOnce runs one complete replication cycle.
func (r *Replicator) PollOnce(ctx context.Context) error {
	if err := r.issues.PollStart(ctx); err != nil {
		return err
	}
	defer r.issues.PollEnd(ctx)
	if r.opt.Users != nil {
		r.opt.Users.Invalidate()
	}
	if err := r.loadUsers(ctx); err != nil {
		return err
	}

	mark, err := r.issues.LastMark(ctx)
	if err != nil {
		return err
	}
	fence, replicationID, err := r.issues.StartReplication(ctx)
	if err != nil {
		return err
	}

	changedIssues, err := r.issues.ChangedIssuesSince(ctx, mark, fence)
	if err != nil {
		return err
	}
	// New jobs have no issue yet, so the Accept predicate cannot run
	// here; createIssueFromJob applies it to the translated fields.
	changedJobs, changelists, lastEntry, err := r.jobs.ChangedJobs(ctx, r.jobUpdates, nil)
	if err != nil {
		return err
	}
	jobsByName := make(map[string]*types.Job, len(changedJobs))
	for _, j := range changedJobs {
		jobsByName[j.Name] = j
	}

	// Pair changed issues with jobs and dispatch.
	for _, issue := range changedIssues {
		jobname := r.jobnameFor(issue)
		job := jobsByName[jobname]
		delete(jobsByName, jobname)
		class := issueChanged
		if job != nil {
			class = bothChanged
		}
		if err := r.dispatch(ctx, issue, job, jobname, class); err != nil {
			return err
		}
	}

	// Jobs changed with no changed issue: third-party job edits and
	// brand-new jobs.
	for _, job := range jobsByName {
		if err := r.dispatchJob(ctx, job); err != nil {
			return err
		}
	}

	if r.opt.ReplicateFixes {
		for _, cl := range changelists {
			if err := r.issues.UpsertChangelist(ctx, cl); err != nil {
				return err
			}
		}
	}

	if err := r.jobs.MarkChangesDone(ctx, lastEntry); err != nil {
		return err
	}
	return r.issues.EndReplication(ctx, replicationID)
}

func (r *Replicator) dispatch(ctx context.Context, issue *types.Issue, job *types.Job, jobname string, class changeClass) error {
	switch class {
	case issueChanged:
		r.logf(804, issue.ID, jobname)
		return r.replicateIssueToJob(ctx, issue, jobname, false)
	case bothChanged:
		r.logf(806, issue.ID, jobname)
		switch r.opt.Policy {
		case IssueWins:
			r.logf(841, issue.ID, jobname)
			changes, err := r.issueToJobChanges(issue, job)
			if err != nil {
				return err
			}
			// Snapshot the job's side of the conflict before it is
			// overwritten; the mail carries the losing values.
			overwritten := make(map[string]string, len(changes))
			for field := range changes {
				overwritten[field] = job.Field(field)
			}
			if err := r.replicateIssueToJob(ctx, issue, jobname, true); err != nil {
				return err
			}
			_, author := r.jobAuthor(ctx, job)
			return r.notifyConflict(ctx, author, issue.ID, jobname, overwritten, "issue")
		case JobWins:
			r.logf(842, issue.ID, jobname)
			changes, err := r.jobToIssueChanges(job, issue)
			if err != nil {
				return err
			}
			overwritten := make(map[string]string, len(changes))
			for field := range changes {
				overwritten[field] = issue.Field(field)
			}
			if err := r.replicateJobToIssue(ctx, job, issue); err != nil {
				return err
			}
			return r.mail.Conflict(r.issueAuthorAddress(ctx, issue),
				issue.ID, jobname, overwritten, "job")
		default:
			r.logf(807)
			return nil
		}
	}
	return nil
}

// dispatchJob handles a changed job with no changed issue: propagate to
// the linked issue, or create one for a new, unlinked job.
func (r *Replicator) dispatchJob(ctx context.Context, job *types.Job) error {
	if job.Linked() {
		issue, err := r.issues.Issue(ctx, job.IssueID())
		if err != nil {
			return err
		}
		r.logf(805, job.Name, issue.ID)
		return r.replicateJobToIssue(ctx, job, issue)
	}
	return r.createIssueFromJob(ctx, job, nil)
}

func (r *Replicator) notifyConflict(ctx context.Context, p4Author string, issueID int, jobname string, overwritten map[string]string, winner string) error {
	to := r.authorAddress(ctx, p4Author)
	return r.mail.Conflict(to, issueID, jobname, overwritten, winner)
}

// authorAddress looks up a Perforce user's e-mail so conflict and
// revert mail reaches the person whose edit lost.
func (r *Replicator) authorAddress(ctx context.Context, p4User string) string {
	email, err := r.jobs.UserEmail(ctx, p4User)
	if err != nil {
		return ""
	}
	return email
}

// issueAuthorAddress is the tracker-side counterpart: the address of
// the issue's assignee, whose copy lost the conflict.
func (r *Replicator) issueAuthorAddress(ctx context.Context, issue *types.Issue) string {
	id, err := strconv.Atoi(issue.Field("assigned_to"))
	if err != nil {
		return ""
	}
	users, err := r.issues.Users(ctx)
	if err != nil {
		return ""
	}
	for _, u := range users {
		if u.ID == id {
			return u.Login
		}
	}
	return ""
}

// replicateIssueToJob pushes an issue's state onto its job: fields
// first, then the link if it is new, then fixes and filespecs.
func (r *Replicator) replicateIssueToJob(ctx context.Context, issue *types.Issue, jobname string, force bool) error {
	job, err := r.jobs.Job(ctx, jobname)
	if err != nil {
		return err
	}
	isNew := !job.Linked()
	changes, err := r.issueToJobChanges(issue, job)
	if err != nil {
		return err
	}
	if isNew {
		changes[types.FieldRid] = r.opt.Rid
		changes[types.FieldIssueID] = strconv.Itoa(issue.ID)
	}
	if len(changes) > 0 {
		outcome, err := r.jobs.UpdateJob(ctx, job, changes, force || isNew)
		if err != nil {
			return err
		}
		if outcome == p4.JobSaved {
			r.jobUpdates[job.Name]++
		}
	}
	if issue.Link == nil {
		if err := r.issues.InsertLink(ctx, issue.ID, job.Name, nil); err != nil {
			return err
		}
		issue.Link = &types.Link{IssueID: issue.ID, Rid: r.opt.Rid, Sid: r.opt.Sid, Jobname: job.Name}
		r.logf(803, issue.ID, job.Name)
	}
	if r.opt.ReplicateFixes {
		if err := r.replicateFixesToJob(ctx, issue, job.Name); err != nil {
			return err
		}
	}
	if r.opt.ReplicateFilespecs {
		if err := r.replicateFilespecsToJob(ctx, issue, job); err != nil {
			return err
		}
	}
	return nil
}

// replicateJobToIssue applies a job's state to its issue. A rejected
// update rolls the job back from the issue and mails the author; if the
// rollback fails too, both errors go to the administrator and the pair
// is left for the next cycle.
func (r *Replicator) replicateJobToIssue(ctx context.Context, job *types.Job, issue *types.Issue) error {
	changes, err := r.jobToIssueChanges(job, issue)
	if err != nil {
		return r.revertJob(ctx, job, issue, err)
	}
	if len(changes) > 0 {
		userID, _ := r.jobAuthor(ctx, job)
		if err := r.issues.UpdateIssue(ctx, r.opt.IssuePolicy, issue, userID, changes); err != nil {
			if isInvariantError(err) {
				return r.revertJob(ctx, job, issue, err)
			}
			return err
		}
	}
	if r.opt.ReplicateFixes {
		if err := r.replicateFixesToIssue(ctx, job.Name, issue); err != nil {
			return err
		}
	}
	if r.opt.ReplicateFilespecs {
		if err := r.replicateFilespecsToIssue(ctx, job, issue); err != nil {
			return err
		}
	}
	// The tracker may have applied side effects (a synthesised
	// resolution, a cleared one); push any resulting drift back.
	fresh, err := r.issues.Issue(ctx, issue.ID)
	if err != nil {
		return err
	}
	back, err := r.issueToJobChanges(fresh, job)
	if err != nil {
		return err
	}
	if len(back) > 0 {
		outcome, err := r.jobs.UpdateJob(ctx, job, back, true)
		if err != nil {
			return err
		}
		if outcome == p4.JobSaved {
			r.jobUpdates[job.Name]++
		}
	}
	return nil
}

// isInvariantError reports whether an update failure is a policy
// rejection (revertable) rather than a transport failure.
func isInvariantError(err error) bool {
	var ro *types.ReadOnlyFieldError
	var ao *types.AppendOnlyFieldError
	var tr *types.TransitionError
	var pe *types.PermissionError
	var te *types.TranslationError
	return errors.As(err, &ro) || errors.As(err, &ao) || errors.As(err, &tr) ||
		errors.As(err, &pe) || errors.As(err, &te)
}

// revertJob force-writes the job back from the issue after a failed
// job-to-issue replication.
func (r *Replicator) revertJob(ctx context.Context, job *types.Job, issue *types.Issue, cause error) error {
	r.logf(851, job.Name, issue.ID)
	rejected := make(map[string]string)
	for _, f := range r.fields {
		rejected[f.Job] = job.Field(f.Job)
	}
	changes, err := r.issueToJobChanges(issue, job)
	if err == nil && len(changes) > 0 {
		var outcome p4.UpdateOutcome
		outcome, err = r.jobs.UpdateJob(ctx, job, changes, true)
		if err == nil && outcome == p4.JobSaved {
			r.jobUpdates[job.Name]++
		}
	}
	if err != nil {
		r.logf(855)
		r.logf(856)
		return r.mail.RevertFailed(job.Name, issue.ID, cause, err)
	}
	_, author := r.jobAuthor(ctx, job)
	return r.mail.Revert(r.authorAddress(ctx, author), job.Name, issue.ID, cause, rejected)
}

// createIssueFromJob makes a tracker issue for a new, unlinked job and
// links the two. migrated is non-nil during migration.
func (r *Replicator) createIssueFromJob(ctx context.Context, job *types.Job, migrated *time.Time) error {
	fields := make(map[string]string)
	for _, f := range r.fields {
		if f.ReadOnly {
			continue
		}
		translated, err := f.Translator.ToIssue(job.Field(f.Job))
		if err != nil {
			return fmt.Errorf("job %s field %s: %w", job.Name, f.Job, err)
		}
		fields[f.Issue] = translated
	}
	if r.opt.Accept != nil && !r.opt.Accept(&types.Issue{Fields: fields}) {
		return nil
	}
	comment := fmt.Sprintf("Created from job %s by the replicator.", job.Name)
	issue, err := r.issues.NewIssue(ctx, fields, comment, job.Name, migrated)
	if err != nil {
		return err
	}
	outcome, err := r.jobs.UpdateJob(ctx, job, map[string]string{
		types.FieldRid:     r.opt.Rid,
		types.FieldIssueID: strconv.Itoa(issue.ID),
	}, true)
	if err != nil {
		return err
	}
	if outcome == p4.JobSaved {
		r.jobUpdates[job.Name]++
	}
	r.logf(803, issue.ID, job.Name)
	if r.opt.ReplicateFixes {
		if err := r.replicateFixesToIssue(ctx, job.Name, issue); err != nil {
			return err
		}
	}
	if r.opt.ReplicateFilespecs {
		if err := r.replicateFilespecsToIssue(ctx, job, issue); err != nil {
			return err
		}
	}
	return nil
}

// replicateFixesToJob makes the job's fix set match the issue's mirror.
func (r *Replicator) replicateFixesToJob(ctx context.Context, issue *types.Issue, jobname string) error {
	issueFixes, err := r.issues.Fixes(ctx, issue.ID)
	if err != nil {
		return err
	}
	jobFixes, err := r.jobs.Fixes(ctx, jobname)
	if err != nil {
		return err
	}
	byChange := make(map[int]*types.Fix, len(jobFixes))
	for _, f := range jobFixes {
		byChange[f.Change] = f
	}
	for change, f := range issueFixes {
		jf, ok := byChange[change]
		switch {
		case !ok:
			if err := r.jobs.AddFix(ctx, jobname, change, f.Status); err != nil {
				return err
			}
		case jf.Status != f.Status:
			if err := r.jobs.AddFix(ctx, jobname, change, f.Status); err != nil {
				return err
			}
		}
	}
	for change := range byChange {
		if _, ok := issueFixes[change]; !ok {
			if err := r.jobs.DeleteFix(ctx, jobname, change); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureChangelistMirrored copies a changelist into the tracker's
// mirror table before a fix referencing it is written. The fetch fails
// with a NotFoundError when the changelist was renumbered between the
// fix read and now; the fix sub-pass retries once on that.
func (r *Replicator) ensureChangelistMirrored(ctx context.Context, change int) error {
	if _, err := r.issues.Changelist(ctx, change); !errors.Is(err, types.ErrNotFound) {
		return err
	}
	cl, err := r.jobs.Changelist(ctx, strconv.Itoa(change))
	if err != nil {
		return err
	}
	return r.issues.UpsertChangelist(ctx, cl)
}

// replicateFixesToIssue makes the issue's mirror match the job's fixes.
// A fix naming a changelist that vanished under renumbering gets one
// retry of the whole sub-pass before the fix is skipped for the cycle.
func (r *Replicator) replicateFixesToIssue(ctx context.Context, jobname string, issue *types.Issue) error {
	err := r.fixPassToIssue(ctx, jobname, issue)
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrNotFound) {
		return r.fixPassToIssue(ctx, jobname, issue)
	}
	return err
}

func (r *Replicator) fixPassToIssue(ctx context.Context, jobname string, issue *types.Issue) error {
	jobFixes, err := r.jobs.Fixes(ctx, jobname)
	if err != nil {
		return err
	}
	issueFixes, err := r.issues.Fixes(ctx, issue.ID)
	if err != nil {
		return err
	}
	byChange := make(map[int]*types.Fix, len(jobFixes))
	for _, f := range jobFixes {
		byChange[f.Change] = f
	}
	for change, f := range byChange {
		existing, ok := issueFixes[change]
		switch {
		case !ok:
			if err := r.ensureChangelistMirrored(ctx, change); err != nil {
				return err
			}
			if err := r.issues.AddFix(ctx, issue.ID, f); err != nil {
				return err
			}
		case existing.Status != f.Status:
			if err := r.issues.UpdateFix(ctx, issue.ID, change, f.Status); err != nil {
				return err
			}
		}
	}
	for change := range issueFixes {
		if _, ok := byChange[change]; !ok {
			if err := r.issues.DeleteFix(ctx, issue.ID, change); err != nil {
				return err
			}
		}
	}
	return nil
}

// replicateFilespecsToJob writes the issue's filespec set into the
// job's filespec field.
func (r *Replicator) replicateFilespecsToJob(ctx context.Context, issue *types.Issue, job *types.Job) error {
	specs, err := r.issues.Filespecs(ctx, issue.ID)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(specs))
	for _, s := range specs {
		want[s] = true
	}
	field := filespecsToField(want)
	if job.Field(types.FieldSpecs) == field {
		return nil
	}
	outcome, err := r.jobs.UpdateJob(ctx, job, map[string]string{types.FieldSpecs: field}, true)
	if err != nil {
		return err
	}
	if outcome == p4.JobSaved {
		r.jobUpdates[job.Name]++
	}
	return nil
}

// replicateFilespecsToIssue mirrors the job's filespec field into the
// issue's filespec table by set difference.
func (r *Replicator) replicateFilespecsToIssue(ctx context.Context, job *types.Job, issue *types.Issue) error {
	want := filespecsFromJob(job)
	have, err := r.issues.Filespecs(ctx, issue.ID)
	if err != nil {
		return err
	}
	haveSet := make(map[string]bool, len(have))
	for _, s := range have {
		haveSet[s] = true
	}
	for s := range want {
		if !haveSet[s] {
			if err := r.issues.AddFilespec(ctx, issue.ID, s); err != nil {
				return err
			}
		}
	}
	for s := range haveSet {
		if !want[s] {
			if err := r.issues.DeleteFilespec(ctx, issue.ID, s); err != nil {
				return err
			}
		}
	}
	return nil
}
