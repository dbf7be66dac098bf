package replicate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/p4dti/p4dti/internal/bugzilla"
	"github.com/p4dti/p4dti/internal/p4"
	"github.com/p4dti/p4dti/internal/types"
)

// fakeIssues is an in-memory IssueStore tracking which issues changed
// since the last poll.
type fakeIssues struct {
	rid, sid string
	nextID   int
	issues   map[int]*types.Issue
	changed  map[int]bool
	fixes    map[int]map[int]*types.Fix
	specs    map[int]map[string]bool
	cls      map[int]*types.Changelist
	users    []types.User
	replID   int64
	mark     time.Time

	updateErr error // forced failure of the next UpdateIssue
	polls     int
	bulk      bool
}

func newFakeIssues(rid, sid string) *fakeIssues {
	return &fakeIssues{
		rid: rid, sid: sid, nextID: 1,
		issues:  make(map[int]*types.Issue),
		changed: make(map[int]bool),
		fixes:   make(map[int]map[int]*types.Fix),
		specs:   make(map[int]map[string]bool),
		cls:     make(map[int]*types.Changelist),
		users: []types.User{
			{ID: 1, Login: "replicator@example.com", Name: "Replicator"},
			{ID: 2, Login: "alice@example.com", Name: "Alice"},
		},
	}
}

func (f *fakeIssues) addIssue(fields map[string]string) *types.Issue {
	id := f.nextID
	f.nextID++
	issue := &types.Issue{ID: id, Fields: map[string]string{"bug_id": strconv.Itoa(id)}}
	for k, v := range fields {
		issue.Fields[k] = v
	}
	f.issues[id] = issue
	f.changed[id] = true
	return issue
}

func (f *fakeIssues) PollStart(ctx context.Context) error { f.polls++; return nil }
func (f *fakeIssues) PollEnd(ctx context.Context) error   { return nil }
func (f *fakeIssues) InitReplications(ctx context.Context, t time.Time) error {
	f.mark = t
	return nil
}
func (f *fakeIssues) LastMark(ctx context.Context) (time.Time, error) { return f.mark, nil }
func (f *fakeIssues) StartReplication(ctx context.Context) (time.Time, int64, error) {
	f.replID++
	return time.Now(), f.replID, nil
}
func (f *fakeIssues) EndReplication(ctx context.Context, id int64) error {
	f.mark = time.Now()
	return nil
}

func (f *fakeIssues) Issue(ctx context.Context, id int) (*types.Issue, error) {
	issue, ok := f.issues[id]
	if !ok {
		return nil, &types.NotFoundError{Kind: "issue", ID: strconv.Itoa(id)}
	}
	return issue, nil
}

func (f *fakeIssues) AllIssuesSince(ctx context.Context, t time.Time) ([]*types.Issue, error) {
	var out []*types.Issue
	for id := 1; id < f.nextID; id++ {
		if issue, ok := f.issues[id]; ok {
			out = append(out, issue)
		}
	}
	return out, nil
}

func (f *fakeIssues) ChangedIssuesSince(ctx context.Context, since, fence time.Time) ([]*types.Issue, error) {
	var out []*types.Issue
	for id := range f.changed {
		out = append(out, f.issues[id])
	}
	f.changed = make(map[int]bool)
	return out, nil
}

func (f *fakeIssues) UpdateIssue(ctx context.Context, policy *bugzilla.Policy, issue *types.Issue, userID int, changes map[string]string) error {
	if f.updateErr != nil {
		err := f.updateErr
		f.updateErr = nil
		return err
	}
	if policy != nil {
		checked, err := policyCheck(policy, issue, changes)
		if err != nil {
			return err
		}
		changes = checked
	}
	for k, v := range changes {
		issue.SetField(k, v)
	}
	return nil
}

// policyCheck mirrors the adapter's invariant chain closely enough for
// the engine tests.
func policyCheck(p *bugzilla.Policy, issue *types.Issue, changes map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(changes))
	for k, v := range changes {
		if p.ReadOnly[k] {
			return nil, &types.ReadOnlyFieldError{Issue: issue.ID, Field: k}
		}
		out[k] = v
	}
	if to, ok := changes["bug_status"]; ok {
		if p.Transitions != nil && issue.Status() != to {
			allowed := false
			for _, s := range p.Transitions[issue.Status()] {
				if s == to {
					allowed = true
				}
			}
			if !allowed {
				return nil, &types.TransitionError{Issue: issue.ID, From: issue.Status(), To: to}
			}
		}
		if p.ResolutionRequired[to] && changes["resolution"] == "" && issue.Resolution() == "" {
			out["resolution"] = p.DefaultResolution
		}
	}
	return out, nil
}

func (f *fakeIssues) NewIssue(ctx context.Context, fields map[string]string, comment, jobname string, migrated *time.Time) (*types.Issue, error) {
	issue := f.addIssue(fields)
	delete(f.changed, issue.ID) // creation by the replicator is not a change
	issue.LongDesc = comment
	issue.Link = &types.Link{IssueID: issue.ID, Rid: f.rid, Sid: f.sid, Jobname: jobname, Migrated: migrated}
	return issue, nil
}

func (f *fakeIssues) NewIssueStart() { f.bulk = true }
func (f *fakeIssues) NewIssueEnd()   { f.bulk = false }

func (f *fakeIssues) InsertLink(ctx context.Context, issueID int, jobname string, migrated *time.Time) error {
	issue, ok := f.issues[issueID]
	if !ok {
		return fmt.Errorf("no issue %d", issueID)
	}
	issue.Link = &types.Link{IssueID: issueID, Rid: f.rid, Sid: f.sid, Jobname: jobname, Migrated: migrated}
	return nil
}

func (f *fakeIssues) Fixes(ctx context.Context, issueID int) (map[int]*types.Fix, error) {
	out := make(map[int]*types.Fix)
	for c, fx := range f.fixes[issueID] {
		out[c] = fx
	}
	return out, nil
}

func (f *fakeIssues) AddFix(ctx context.Context, issueID int, fix *types.Fix) error {
	if f.fixes[issueID] == nil {
		f.fixes[issueID] = make(map[int]*types.Fix)
	}
	f.fixes[issueID][fix.Change] = fix
	return nil
}

func (f *fakeIssues) UpdateFix(ctx context.Context, issueID int, change int, status string) error {
	if fx, ok := f.fixes[issueID][change]; ok {
		fx.Status = status
	}
	return nil
}

func (f *fakeIssues) DeleteFix(ctx context.Context, issueID int, change int) error {
	delete(f.fixes[issueID], change)
	return nil
}

func (f *fakeIssues) Filespecs(ctx context.Context, issueID int) ([]string, error) {
	var out []string
	for s := range f.specs[issueID] {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeIssues) AddFilespec(ctx context.Context, issueID int, filespec string) error {
	if f.specs[issueID] == nil {
		f.specs[issueID] = make(map[string]bool)
	}
	f.specs[issueID][filespec] = true
	return nil
}

func (f *fakeIssues) DeleteFilespec(ctx context.Context, issueID int, filespec string) error {
	delete(f.specs[issueID], filespec)
	return nil
}

func (f *fakeIssues) UpsertChangelist(ctx context.Context, cl *types.Changelist) error {
	f.cls[cl.Change] = cl
	return nil
}

func (f *fakeIssues) Changelist(ctx context.Context, change int) (*types.Changelist, error) {
	cl, ok := f.cls[change]
	if !ok {
		return nil, &types.NotFoundError{Kind: "changelist", ID: strconv.Itoa(change)}
	}
	return cl, nil
}

func (f *fakeIssues) Users(ctx context.Context) ([]types.User, error) { return f.users, nil }
func (f *fakeIssues) ReplicatorID(ctx context.Context) (int, error)   { return 1, nil }

// fakeJobs is an in-memory JobStore with an event log.
type fakeJobs struct {
	rid     string
	jobs    map[string]*types.Job
	log     []string // jobnames in journal order
	fixes   map[string]map[int]*types.Fix
	cls     map[int]*types.Changelist
	users   []types.P4User
	spec    *types.Jobspec
	nextNum int
	cleared bool
	marked  int

	staleFixes []*types.Fix // one-shot stale view returned by Fixes
}

func newFakeJobs(rid string) *fakeJobs {
	return &fakeJobs{
		rid:     rid,
		jobs:    make(map[string]*types.Job),
		fixes:   make(map[string]map[int]*types.Fix),
		cls:     make(map[int]*types.Changelist),
		nextNum: 1,
		users: []types.P4User{
			{Name: "p4dti-replicator0", Email: "replicator@example.com"},
			{Name: "alice", Email: "alice@example.com", FullName: "Alice"},
		},
		spec: &types.Jobspec{Fields: []types.JobField{
			{Code: 101, Name: "Job", Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired},
			{Code: 102, Name: "Status", Type: types.TypeSelect, Length: 32, Persistence: types.PersistRequired,
				Values: []string{"open", "bugzilla_new", "assigned", "closed", "suspended"}},
			{Code: 103, Name: "User", Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired},
			{Code: 104, Name: "Date", Type: types.TypeDate, Length: 20, Persistence: types.PersistAlways},
			{Code: 105, Name: "Description", Type: types.TypeText, Persistence: types.PersistRequired},
			{Code: 191, Name: types.FieldSpecs, Type: types.TypeText, Persistence: types.PersistOptional},
			{Code: 192, Name: types.FieldRid, Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired, Preset: types.SentinelNone},
			{Code: 193, Name: types.FieldIssueID, Type: types.TypeWord, Length: 32, Persistence: types.PersistRequired, Preset: types.SentinelNone},
			{Code: 194, Name: types.FieldUser, Type: types.TypeWord, Length: 32, Persistence: types.PersistAlways, Preset: "$user"},
		}},
	}
}

// touch simulates a third-party edit: apply fields and journal it.
func (f *fakeJobs) touch(name string, fields map[string]string) *types.Job {
	job, ok := f.jobs[name]
	if !ok {
		job = &types.Job{Name: name, Fields: map[string]string{
			"Job":              name,
			types.FieldRid:     types.SentinelNone,
			types.FieldIssueID: types.SentinelNone,
		}}
		f.jobs[name] = job
	}
	for k, v := range fields {
		job.SetField(k, v)
	}
	f.log = append(f.log, name)
	return job
}

func (f *fakeJobs) Job(ctx context.Context, name string) (*types.Job, error) {
	if job, ok := f.jobs[name]; ok {
		copied := &types.Job{Name: job.Name, Fields: make(map[string]string, len(job.Fields))}
		for k, v := range job.Fields {
			copied.Fields[k] = v
		}
		return copied, nil
	}
	// The server answers with an empty template for unknown names.
	return &types.Job{Name: name, Fields: map[string]string{
		"Job":              name,
		types.FieldRid:     types.SentinelNone,
		types.FieldIssueID: types.SentinelNone,
	}}, nil
}

func (f *fakeJobs) AllJobs(ctx context.Context) ([]*types.Job, error) {
	var out []*types.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobs) UpdateJob(ctx context.Context, job *types.Job, changes map[string]string, force bool) (p4.UpdateOutcome, error) {
	for k, v := range changes {
		job.SetField(k, v)
	}
	if job.Name == "new" {
		job.Name = fmt.Sprintf("job%06d", f.nextNum)
		f.nextNum++
		job.SetField("Job", job.Name)
	}
	stored, ok := f.jobs[job.Name]
	if !ok {
		stored = &types.Job{Name: job.Name, Fields: make(map[string]string)}
		f.jobs[job.Name] = stored
	}
	same := true
	for k, v := range job.Fields {
		if stored.Fields[k] != v {
			same = false
		}
	}
	if same && ok {
		return p4.JobUnchanged, nil
	}
	stored.Fields = make(map[string]string, len(job.Fields))
	for k, v := range job.Fields {
		stored.Fields[k] = v
	}
	f.log = append(f.log, job.Name)
	return p4.JobSaved, nil
}

func (f *fakeJobs) ChangedJobs(ctx context.Context, jobUpdates map[string]int, accept func(*types.Job) bool) ([]*types.Job, []*types.Changelist, int, error) {
	seen := make(map[string]bool)
	var out []*types.Job
	last := f.marked
	for i := f.marked; i < len(f.log); i++ {
		name := f.log[i]
		last = i + 1
		if jobUpdates[name] > 0 {
			jobUpdates[name]--
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		job, _ := f.Job(ctx, name)
		rid := job.Field(types.FieldRid)
		if rid == f.rid || (rid == types.SentinelNone && (accept == nil || accept(job))) {
			out = append(out, job)
		}
	}
	return out, nil, last, nil
}

func (f *fakeJobs) MarkChangesDone(ctx context.Context, lastEntry int) error {
	f.marked = lastEntry
	return nil
}

func (f *fakeJobs) StartLogger(ctx context.Context) error { return nil }
func (f *fakeJobs) ClearLogger(ctx context.Context) error {
	f.cleared = true
	f.marked = len(f.log)
	return nil
}

func (f *fakeJobs) Fixes(ctx context.Context, jobname string) ([]*types.Fix, error) {
	if f.staleFixes != nil {
		out := f.staleFixes
		f.staleFixes = nil
		return out, nil
	}
	var out []*types.Fix
	for _, fx := range f.fixes[jobname] {
		out = append(out, fx)
	}
	return out, nil
}

func (f *fakeJobs) Changelist(ctx context.Context, number string) (*types.Changelist, error) {
	n, err := strconv.Atoi(number)
	if err != nil {
		return nil, err
	}
	cl, ok := f.cls[n]
	if !ok {
		return nil, &types.NotFoundError{Kind: "changelist", ID: number}
	}
	return cl, nil
}

func (f *fakeJobs) AddFix(ctx context.Context, jobname string, change int, status string) error {
	if f.fixes[jobname] == nil {
		f.fixes[jobname] = make(map[int]*types.Fix)
	}
	f.fixes[jobname][change] = &types.Fix{Change: change, Status: status, User: "alice"}
	return nil
}

func (f *fakeJobs) DeleteFix(ctx context.Context, jobname string, change int) error {
	delete(f.fixes[jobname], change)
	return nil
}

func (f *fakeJobs) Users(ctx context.Context) ([]types.P4User, error) { return f.users, nil }

func (f *fakeJobs) UserEmail(ctx context.Context, user string) (string, error) {
	for _, u := range f.users {
		if u.Name == user {
			return u.Email, nil
		}
	}
	return "", nil
}
func (f *fakeJobs) Jobspec(ctx context.Context) (*types.Jobspec, error) {
	return f.spec, nil
}
func (f *fakeJobs) InstallJobspec(ctx context.Context, spec *types.Jobspec) error {
	f.spec = spec
	return nil
}
