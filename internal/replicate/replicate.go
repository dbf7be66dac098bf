// Package replicate is the engine: the polling loop, change detection
// against both stores, pairing, conflict resolution, and the migration,
// refresh and consistency-check modes.
package replicate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/p4dti/p4dti/internal/bugzilla"
	"github.com/p4dti/p4dti/internal/catalog"
	"github.com/p4dti/p4dti/internal/logw"
	"github.com/p4dti/p4dti/internal/notify"
	"github.com/p4dti/p4dti/internal/p4"
	"github.com/p4dti/p4dti/internal/translate"
	"github.com/p4dti/p4dti/internal/types"
)

// IssueStore is the slice of the tracker adapter the engine uses.
type IssueStore interface {
	PollStart(ctx context.Context) error
	PollEnd(ctx context.Context) error
	InitReplications(ctx context.Context, startDate time.Time) error
	LastMark(ctx context.Context) (time.Time, error)
	StartReplication(ctx context.Context) (time.Time, int64, error)
	EndReplication(ctx context.Context, id int64) error

	Issue(ctx context.Context, id int) (*types.Issue, error)
	AllIssuesSince(ctx context.Context, t time.Time) ([]*types.Issue, error)
	ChangedIssuesSince(ctx context.Context, since, fence time.Time) ([]*types.Issue, error)
	UpdateIssue(ctx context.Context, policy *bugzilla.Policy, issue *types.Issue, userID int, changes map[string]string) error
	NewIssue(ctx context.Context, fields map[string]string, comment, jobname string, migrated *time.Time) (*types.Issue, error)
	NewIssueStart()
	NewIssueEnd()
	InsertLink(ctx context.Context, issueID int, jobname string, migrated *time.Time) error

	Fixes(ctx context.Context, issueID int) (map[int]*types.Fix, error)
	AddFix(ctx context.Context, issueID int, fix *types.Fix) error
	UpdateFix(ctx context.Context, issueID int, change int, status string) error
	DeleteFix(ctx context.Context, issueID int, change int) error
	Filespecs(ctx context.Context, issueID int) ([]string, error)
	AddFilespec(ctx context.Context, issueID int, filespec string) error
	DeleteFilespec(ctx context.Context, issueID int, filespec string) error
	UpsertChangelist(ctx context.Context, cl *types.Changelist) error
	Changelist(ctx context.Context, change int) (*types.Changelist, error)

	Users(ctx context.Context) ([]types.User, error)
	ReplicatorID(ctx context.Context) (int, error)
}

// JobStore is the slice of the Perforce adapter the engine uses.
type JobStore interface {
	Job(ctx context.Context, name string) (*types.Job, error)
	AllJobs(ctx context.Context) ([]*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job, changes map[string]string, force bool) (p4.UpdateOutcome, error)
	ChangedJobs(ctx context.Context, jobUpdates map[string]int, accept func(*types.Job) bool) ([]*types.Job, []*types.Changelist, int, error)
	MarkChangesDone(ctx context.Context, lastEntry int) error
	StartLogger(ctx context.Context) error
	ClearLogger(ctx context.Context) error

	Fixes(ctx context.Context, jobname string) ([]*types.Fix, error)
	AddFix(ctx context.Context, jobname string, change int, status string) error
	DeleteFix(ctx context.Context, jobname string, change int) error
	Changelist(ctx context.Context, number string) (*types.Changelist, error)
	Users(ctx context.Context) ([]types.P4User, error)
	UserEmail(ctx context.Context, user string) (string, error)
	Jobspec(ctx context.Context) (*types.Jobspec, error)
	InstallJobspec(ctx context.Context, spec *types.Jobspec) error
}

// Field is one entry of the field map: a tracker column, a jobspec
// field and the translator between them.
type Field struct {
	Issue      string
	Job        string
	Translator translate.Translator
	ReadOnly   bool // never written on the tracker side
	AppendOnly bool
}

// ConflictPolicy names the side that wins when both copies changed.
type ConflictPolicy string

const (
	IssueWins ConflictPolicy = "bugzilla"
	JobWins   ConflictPolicy = "p4"
	NoOp      ConflictPolicy = "none"
)

// Options configures a Replicator beyond its adapters.
type Options struct {
	Rid, Sid            string
	StartDate           time.Time
	Policy              ConflictPolicy
	UsePerforceJobnames bool
	KeepJobspec         bool
	ReplicateFixes      bool
	ReplicateFilespecs  bool
	Fields              []Field
	StatusTranslator    *translate.Status
	Users               *translate.UserTranslator
	IssuePolicy         *bugzilla.Policy
	// Accept filters new, unowned records; nil accepts everything.
	Accept func(*types.Issue) bool
}

// Replicator owns both adapters and all per-cycle state.
type Replicator struct {
	issues IssueStore
	jobs   JobStore
	mail   *notify.Mailer
	log    *logw.Logger
	opt    Options

	fields []Field

	// jobUpdates counts this replicator's own job writes so their
	// event-log echoes are consumed instead of replicated back.
	jobUpdates map[string]int
}

// New assembles a replicator. The fixed mappings for status, assignee
// and title are prepended to the configured field map.
func New(issues IssueStore, jobs JobStore, mail *notify.Mailer, log *logw.Logger, opt Options) *Replicator {
	fields := []Field{
		{Issue: "bug_status", Job: "Status", Translator: opt.StatusTranslator},
		{Issue: "assigned_to", Job: "User", Translator: opt.Users},
		{Issue: "short_desc", Job: "Description", Translator: translate.Text{}},
	}
	fields = append(fields, opt.Fields...)
	return &Replicator{
		issues:     issues,
		jobs:       jobs,
		mail:       mail,
		log:        log,
		opt:        opt,
		fields:     fields,
		jobUpdates: make(map[string]int),
	}
}

func (r *Replicator) logf(id int, args ...any) {
	if r.log != nil {
		r.log.Log(catalog.Msg(id, args...))
	}
}

// loadUsers fills the user translator from both directories if needed.
func (r *Replicator) loadUsers(ctx context.Context) error {
	if r.opt.Users == nil || r.opt.Users.Loaded() {
		return nil
	}
	bzUsers, err := r.issues.Users(ctx)
	if err != nil {
		return err
	}
	p4Users, err := r.jobs.Users(ctx)
	if err != nil {
		return err
	}
	return r.opt.Users.Load(bzUsers, p4Users)
}

// issueToJobChanges translates every mapped field and returns the job
// fields that differ from the job's current values.
func (r *Replicator) issueToJobChanges(issue *types.Issue, job *types.Job) (map[string]string, error) {
	changes := make(map[string]string)
	for _, f := range r.fields {
		translated, err := f.Translator.ToJob(issue.Field(f.Issue))
		if err != nil {
			return nil, fmt.Errorf("issue %d field %s: %w", issue.ID, f.Issue, err)
		}
		if job == nil || job.Field(f.Job) != translated {
			changes[f.Job] = translated
		}
	}
	return changes, nil
}

// jobToIssueChanges translates every mapped field and returns the
// tracker columns that differ from the issue's current values.
func (r *Replicator) jobToIssueChanges(job *types.Job, issue *types.Issue) (map[string]string, error) {
	changes := make(map[string]string)
	for _, f := range r.fields {
		if f.ReadOnly {
			continue
		}
		translated, err := f.Translator.ToIssue(job.Field(f.Job))
		if err != nil {
			return nil, fmt.Errorf("job %s field %s: %w", job.Name, f.Job, err)
		}
		if issue.Field(f.Issue) != translated {
			changes[f.Issue] = translated
		}
	}
	return changes, nil
}

// jobAuthor resolves the tracker user id of whoever last touched a job,
// falling back to the replicator's own account for vanished users.
func (r *Replicator) jobAuthor(ctx context.Context, job *types.Job) (int, string) {
	p4user := job.Field(types.FieldUser)
	if r.opt.Users != nil {
		if idStr, err := r.opt.Users.Lax().ToIssue(p4user); err == nil {
			var id int
			fmt.Sscanf(idStr, "%d", &id)
			return id, p4user
		}
	}
	id, _ := r.issues.ReplicatorID(ctx)
	return id, p4user
}

// jobnameFor picks the job name for an issue without a link. With
// Perforce-style names the server assigns one on first write.
func (r *Replicator) jobnameFor(issue *types.Issue) string {
	if issue.Link != nil && issue.Link.Jobname != "" {
		return issue.Link.Jobname
	}
	if r.opt.UsePerforceJobnames {
		return "new"
	}
	return fmt.Sprintf("bug%d", issue.ID)
}

// filespecsFromJob splits the job's filespec field into a set.
func filespecsFromJob(job *types.Job) map[string]bool {
	set := make(map[string]bool)
	for _, line := range strings.Split(job.Field(types.FieldSpecs), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != types.SentinelNone {
			set[line] = true
		}
	}
	return set
}

func filespecsToField(set map[string]bool) string {
	var specs []string
	for s := range set {
		specs = append(specs, s)
	}
	sort.Strings(specs)
	return strings.Join(specs, "\n")
}
