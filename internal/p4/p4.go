package p4

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/p4dti/p4dti/internal/types"
)

// Adapter exposes the job store to the replicator. All methods go through
// the Runner, so tests substitute an in-memory fake.
type Adapter struct {
	Runner Runner
	Rid    string
}

// NewAdapter returns an adapter identified by the given replicator id.
func NewAdapter(r Runner, rid string) *Adapter {
	return &Adapter{Runner: r, Rid: rid}
}

// CounterName is the name of the event-log counter owned by this
// replicator.
func (a *Adapter) CounterName() string {
	return "P4DTI-" + a.Rid
}

// Counter returns the integer value of a counter; unset counters are 0.
func (a *Adapter) Counter(ctx context.Context, name string) (int, error) {
	recs, err := a.Runner.Run(ctx, []string{"counter", name}, "")
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	v := strings.TrimSpace(recs[0]["value"])
	if v == "" || v == "0" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("counter %s has non-numeric value %q", name, v)
	}
	return n, nil
}

// SetCounter sets a counter to the given value.
func (a *Adapter) SetCounter(ctx context.Context, name string, value int) error {
	_, err := a.Runner.Run(ctx, []string{"counter", name, strconv.Itoa(value)}, "")
	return err
}

// StartLogger initialises the server journal idempotently: the "logger"
// counter is created at zero only if it does not already exist. Resetting
// it would replay the whole journal into every replicator.
func (a *Adapter) StartLogger(ctx context.Context) error {
	recs, err := a.Runner.Run(ctx, []string{"counters"}, "")
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r["counter"] == "logger" {
			return nil
		}
	}
	return a.SetCounter(ctx, "logger", 0)
}

// LogEntry is one record of the server journal.
type LogEntry struct {
	Sequence int
	Key      string // "job" or "change"
	Attr     string // jobname or changelist number
}

// LogEntries returns all journal entries after this replicator's counter.
func (a *Adapter) LogEntries(ctx context.Context) ([]LogEntry, error) {
	recs, err := a.Runner.Run(ctx, []string{"logger", "-t", a.CounterName()}, "")
	if err != nil {
		return nil, err
	}
	entries := make([]LogEntry, 0, len(recs))
	for _, r := range recs {
		seq, err := strconv.Atoi(r["sequence"])
		if err != nil {
			return nil, fmt.Errorf("logger entry with non-numeric sequence %q", r["sequence"])
		}
		entries = append(entries, LogEntry{Sequence: seq, Key: r["key"], Attr: r["attr"]})
	}
	return entries, nil
}

// MarkChangesDone advances the replicator's counter to the given journal
// entry. When it is the last entry, the server discards the journal.
func (a *Adapter) MarkChangesDone(ctx context.Context, lastEntry int) error {
	if lastEntry == 0 {
		return nil
	}
	_, err := a.Runner.Run(ctx,
		[]string{"logger", "-t", a.CounterName(), "-c", strconv.Itoa(lastEntry)}, "")
	return err
}

// ClearLogger skips the replicator's counter to the journal's current
// end. Refresh uses this so the next poll starts from a clean slate.
func (a *Adapter) ClearLogger(ctx context.Context) error {
	last, err := a.Counter(ctx, "logger")
	if err != nil {
		return err
	}
	_, err = a.Runner.Run(ctx,
		[]string{"logger", "-t", a.CounterName(), "-c", strconv.Itoa(last)}, "")
	return err
}

// ChangedJobs tails the journal and returns the jobs due for replication,
// the changelists touched since the last poll, and the last journal entry
// considered (to be passed to MarkChangesDone after the cycle's writes).
//
// jobUpdates is the replicator's record of its own writes during the
// previous cycle: a journal entry for a job with a positive count is the
// echo of one of those writes and is consumed, not replicated. accept
// filters new (unowned) jobs; nil accepts them all.
func (a *Adapter) ChangedJobs(ctx context.Context, jobUpdates map[string]int, accept func(*types.Job) bool) ([]*types.Job, []*types.Changelist, int, error) {
	entries, err := a.LogEntries(ctx)
	if err != nil {
		return nil, nil, 0, err
	}
	seen := make(map[string]bool)
	var jobs []*types.Job
	var changelists []*types.Changelist
	lastEntry := 0
	for _, e := range entries {
		lastEntry = e.Sequence
		switch e.Key {
		case "job":
			name := e.Attr
			if jobUpdates[name] > 0 {
				jobUpdates[name]--
				continue
			}
			if name == "new" {
				return nil, nil, 0, fmt.Errorf("the server has a job named \"new\", which is reserved; delete it before running the replicator")
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			job, err := a.Job(ctx, name)
			if err != nil {
				return nil, nil, 0, err
			}
			rid := job.Fields[types.FieldRid]
			if rid == a.Rid || (rid == types.SentinelNone && (accept == nil || accept(job))) {
				jobs = append(jobs, job)
			}
		case "change":
			cl, err := a.Changelist(ctx, e.Attr)
			if err != nil {
				// A pending changelist may have been renumbered out of
				// existence between the journal entry and now.
				if errors.Is(err, types.ErrNotFound) {
					continue
				}
				return nil, nil, 0, err
			}
			changelists = append(changelists, cl)
		}
	}
	return jobs, changelists, lastEntry, nil
}

// Job returns the named job. A job that does not exist comes back as the
// server's empty template with the requested name, exactly as the client
// reports it; callers distinguish the two by the link fields.
func (a *Adapter) Job(ctx context.Context, name string) (*types.Job, error) {
	recs, err := a.Runner.Run(ctx, []string{"job", "-o", name}, "")
	if err != nil {
		return nil, err
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("job -o %s returned %d records", name, len(recs))
	}
	return jobFromRecord(recs[0])
}

// AllJobs returns every job on the server.
func (a *Adapter) AllJobs(ctx context.Context) ([]*types.Job, error) {
	recs, err := a.Runner.Run(ctx, []string{"jobs", "-l"}, "")
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(recs))
	for _, r := range recs {
		job, err := jobFromRecord(r)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func jobFromRecord(r Record) (*types.Job, error) {
	name, ok := r["Job"]
	if !ok {
		return nil, fmt.Errorf("expected a job but found %v", r)
	}
	job := &types.Job{Name: name, Fields: make(map[string]string, len(r))}
	for k, v := range r {
		job.Fields[k] = v
	}
	return job, nil
}

// UpdateOutcome classifies the server's acknowledgement of a job write.
type UpdateOutcome int

const (
	// JobSaved means the write changed the job; the caller must record
	// it in jobUpdates so the journal echo is consumed next poll.
	JobSaved UpdateOutcome = iota
	// JobUnchanged means the server found nothing to write.
	JobUnchanged
)

var updateJobRe = regexp.MustCompile(`^Job ([^ ]+) (.*)$`)

// UpdateJob merges changes into the job and writes it. On success the
// in-memory job reflects the changes and, when the job was named "new",
// the server-assigned name.
func (a *Adapter) UpdateJob(ctx context.Context, job *types.Job, changes map[string]string, force bool) (UpdateOutcome, error) {
	for k, v := range changes {
		job.SetField(k, v)
	}
	args := []string{"job", "-i"}
	if force {
		args = []string{"job", "-i", "-f"}
	}
	recs, err := a.Runner.Run(ctx, args, FormatJob(job))
	if err != nil {
		return JobUnchanged, err
	}
	if len(recs) != 1 || recs[0]["data"] == "" {
		return JobUnchanged, fmt.Errorf("unexpected output from job -i: %v", recs)
	}
	data := recs[0]["data"]
	m := updateJobRe.FindStringSubmatch(data)
	if m == nil || m[1] == "new" {
		return JobUnchanged, fmt.Errorf("expected job -i output to say 'Job jobname ...', but found %q", data)
	}
	switch {
	case job.Name == "new":
		job.Name = m[1]
		job.SetField("Job", m[1])
	case job.Name != m[1]:
		return JobUnchanged, fmt.Errorf("tried to update job %q, but the server replied %q", job.Name, data)
	}
	switch m[2] {
	case "saved.":
		return JobSaved, nil
	case "not changed.":
		return JobUnchanged, nil
	}
	return JobUnchanged, fmt.Errorf("tried to update job %q, but the server replied %q", job.Name, data)
}

// FormatJob renders a job in the form the client accepts on stdin.
// Multi-line values are indented by a tab, per the form syntax.
func FormatJob(job *types.Job) string {
	var b strings.Builder
	writeField := func(name, value string) {
		if strings.Contains(value, "\n") || fieldIsText(name) {
			fmt.Fprintf(&b, "%s:\n", name)
			for _, line := range strings.Split(strings.TrimSuffix(value, "\n"), "\n") {
				fmt.Fprintf(&b, "\t%s\n", line)
			}
		} else {
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
		b.WriteString("\n")
	}
	writeField("Job", job.Name)
	for _, k := range sortedKeys(job.Fields) {
		if k == "Job" || strings.HasPrefix(k, "specFormatted") {
			continue
		}
		writeField(k, job.Fields[k])
	}
	return b.String()
}

func fieldIsText(name string) bool {
	return name == "Description" || name == types.FieldSpecs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Changelist fetches one changelist. A number the server no longer
// knows (a pending changelist renumbered by submit) comes back as a
// NotFoundError so callers can retry with fresh fix data.
func (a *Adapter) Changelist(ctx context.Context, number string) (*types.Changelist, error) {
	recs, err := a.Runner.Run(ctx, []string{"change", "-o", number}, "")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "unknown") {
			return nil, &types.NotFoundError{Kind: "changelist", ID: number}
		}
		return nil, err
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("change -o %s returned %d records", number, len(recs))
	}
	r := recs[0]
	n, err := strconv.Atoi(r["Change"])
	if err != nil {
		return nil, fmt.Errorf("change -o %s returned non-numeric Change %q", number, r["Change"])
	}
	date, _ := parseP4Date(r["Date"])
	return &types.Changelist{
		Change:      n,
		User:        r["User"],
		Client:      r["Client"],
		Date:        date,
		Description: r["Description"],
		Status:      r["Status"],
	}, nil
}

// Fixes lists the fixes attached to a job.
func (a *Adapter) Fixes(ctx context.Context, jobname string) ([]*types.Fix, error) {
	recs, err := a.Runner.Run(ctx, []string{"fixes", "-j", jobname}, "")
	if err != nil {
		return nil, err
	}
	fixes := make([]*types.Fix, 0, len(recs))
	for _, r := range recs {
		change, err := strconv.Atoi(r["Change"])
		if err != nil {
			return nil, fmt.Errorf("fix with non-numeric change %q", r["Change"])
		}
		date, _ := parseP4Date(r["Date"])
		fixes = append(fixes, &types.Fix{
			Change: change,
			Status: r["Status"],
			User:   r["User"],
			Client: r["Client"],
			Date:   date,
		})
	}
	return fixes, nil
}

// AddFix attaches a job to a changelist with the given fix status.
func (a *Adapter) AddFix(ctx context.Context, jobname string, change int, status string) error {
	_, err := a.Runner.Run(ctx,
		[]string{"fix", "-s", status, "-c", strconv.Itoa(change), jobname}, "")
	return err
}

// DeleteFix removes the fix linking a job to a changelist.
func (a *Adapter) DeleteFix(ctx context.Context, jobname string, change int) error {
	_, err := a.Runner.Run(ctx,
		[]string{"fix", "-d", "-c", strconv.Itoa(change), jobname}, "")
	return err
}

// Users lists the server's user directory.
func (a *Adapter) Users(ctx context.Context) ([]types.P4User, error) {
	recs, err := a.Runner.Run(ctx, []string{"users"}, "")
	if err != nil {
		return nil, err
	}
	users := make([]types.P4User, 0, len(recs))
	for _, r := range recs {
		users = append(users, types.P4User{
			Name:     r["User"],
			Email:    r["Email"],
			FullName: r["FullName"],
		})
	}
	return users, nil
}

// CreateClient makes sure the replicator's client workspace exists, so
// that commands requiring a client succeed on a fresh server.
func (a *Adapter) CreateClient(ctx context.Context, name, owner, root string) error {
	form := fmt.Sprintf("Client: %s\n\nOwner: %s\n\nRoot: %s\n\nDescription:\n\tCreated by the P4DTI replicator.\n\nView:\n\t//depot/... //%s/...\n",
		name, owner, root, name)
	_, err := a.Runner.Run(ctx, []string{"client", "-i"}, form)
	return err
}

// UserEmail returns a user's e-mail address, or "" when the user does
// not exist. "user -o" succeeds for nonexistent users, so existence is
// judged by the Access and Update fields only present on real accounts.
func (a *Adapter) UserEmail(ctx context.Context, user string) (string, error) {
	recs, err := a.Runner.Run(ctx, []string{"user", "-o", user}, "")
	if err != nil {
		return "", err
	}
	if len(recs) == 1 && recs[0]["Access"] != "" && recs[0]["Update"] != "" {
		return recs[0]["Email"], nil
	}
	return "", nil
}

func parseP4Date(s string) (time.Time, error) {
	if t, err := time.Parse("2006/01/02 15:04:05", s); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
