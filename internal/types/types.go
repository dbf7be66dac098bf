// Package types defines the records the replicator moves between the
// issue store (side 0, Bugzilla) and the job store (side 1, Perforce).
package types

import (
	"time"
)

// SentinelNone is the value both P4DTI link fields carry on an unreplicated
// job. The two fields are always set or cleared together; a job with one
// real value and one sentinel is corrupt.
const SentinelNone = "None"

// Link field names on the job side.
const (
	FieldRid     = "P4DTI-rid"
	FieldIssueID = "P4DTI-issue-id"
	FieldUser    = "P4DTI-user"
	FieldSpecs   = "P4DTI-filespecs"
)

// Link is the replicator-owned row pairing an issue with a job.
type Link struct {
	IssueID  int
	Rid      string
	Sid      string
	Jobname  string
	Migrated *time.Time // set iff the link was created by migration from a job
}

// Issue is a record in the issue store. Replicated columns live in Fields,
// keyed by their database column name, so the field map can address them
// uniformly; identity, timestamps and replicator bookkeeping are typed.
type Issue struct {
	ID         int
	Fields     map[string]string
	CreationTS time.Time
	DeltaTS    time.Time
	Groups     []string
	LongDesc   string
	Link       *Link // nil when the issue is not replicated
}

// Field returns the named replicated column, or "" when absent.
func (i *Issue) Field(name string) string {
	return i.Fields[name]
}

// SetField sets a replicated column, allocating the map on first use.
func (i *Issue) SetField(name, value string) {
	if i.Fields == nil {
		i.Fields = make(map[string]string)
	}
	i.Fields[name] = value
}

// Status returns the issue's workflow state.
func (i *Issue) Status() string { return i.Fields["bug_status"] }

// Resolution returns the issue's resolution, empty for open issues.
func (i *Issue) Resolution() string { return i.Fields["resolution"] }

// Replicated reports whether the issue has a link row owned by (rid, sid).
func (i *Issue) Replicated(rid, sid string) bool {
	return i.Link != nil && i.Link.Rid == rid && i.Link.Sid == sid
}

// Job is a record in the job store, shaped by the server's jobspec.
type Job struct {
	Name   string
	Fields map[string]string
}

// Field returns the named jobspec field, or "" when absent.
func (j *Job) Field(name string) string {
	return j.Fields[name]
}

// SetField sets a jobspec field, allocating the map on first use.
func (j *Job) SetField(name, value string) {
	if j.Fields == nil {
		j.Fields = make(map[string]string)
	}
	j.Fields[name] = value
}

// Rid returns the owning replicator id, or "" when the job is unlinked.
func (j *Job) Rid() string {
	if v := j.Fields[FieldRid]; v != SentinelNone {
		return v
	}
	return ""
}

// IssueID returns the linked issue id, or 0 when the job is unlinked.
func (j *Job) IssueID() int {
	v := j.Fields[FieldIssueID]
	if v == "" || v == SentinelNone {
		return 0
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// Linked reports whether both link fields carry real values.
func (j *Job) Linked() bool {
	rid, ok1 := j.Fields[FieldRid]
	id, ok2 := j.Fields[FieldIssueID]
	return ok1 && ok2 && rid != SentinelNone && id != SentinelNone
}

// SetLink sets both link fields together, preserving the pairing invariant.
func (j *Job) SetLink(rid string, issueID string) {
	j.SetField(FieldRid, rid)
	j.SetField(FieldIssueID, issueID)
}

// ClearLink resets both link fields to the sentinel.
func (j *Job) ClearLink() {
	j.SetField(FieldRid, SentinelNone)
	j.SetField(FieldIssueID, SentinelNone)
}

// FixStatus values shared by both stores.
const (
	FixOpen      = "open"
	FixClosed    = "closed"
	FixSuspended = "suspended"
)

// Fix associates an issue with a changelist.
type Fix struct {
	Change int
	Issue  int
	Status string
	User   string
	Client string
	Date   time.Time
}

// Filespec associates an issue with a file path pattern.
type Filespec struct {
	Issue int
	Path  string
}

// Changelist is a side-1 revision mirrored to side 0 for cross-system
// queries. Status is "pending" or "submitted".
type Changelist struct {
	Change      int
	User        string
	Client      string
	Date        time.Time
	Description string
	Status      string
}

// User is a side-0 account.
type User struct {
	ID       int
	Login    string // Bugzilla logins are email addresses
	Name     string
	Disabled bool
}

// P4User is a side-1 account.
type P4User struct {
	Name     string
	Email    string
	FullName string
}

// Replication is one row of the side-0 replications table. The newest
// completed row's Start is the mark acknowledged by the previous poll.
type Replication struct {
	ID        int
	Rid       string
	Sid       string
	Start     time.Time
	End       time.Time
	Completed bool
}
