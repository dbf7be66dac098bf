package translate

import (
	"fmt"
	"strings"

	"github.com/p4dti/p4dti/internal/types"
)

// Perforce jobs can't have status "new" (that marks a fresh job and the
// server rewrites it to the jobspec default) nor "ignore" (used in the
// submit form to mean "this change fixes nothing"). Both are common
// workflow names, so they are prefixed rather than rejected.
var prohibitedStatuses = []string{"new", "ignore"}

const prohibitedStatusPrefix = "bugzilla_"

// Status translates workflow states using a closed table built at
// configuration time by MakeStatusPairs. The table is one-to-one by
// construction.
type Status struct {
	pairs [][2]string
	toP4  map[string]string
	toBZ  map[string]string
}

// NewStatus builds a status translator from (bugzilla, perforce) pairs.
func NewStatus(pairs [][2]string) *Status {
	s := &Status{
		pairs: pairs,
		toP4:  make(map[string]string, len(pairs)),
		toBZ:  make(map[string]string, len(pairs)),
	}
	for _, p := range pairs {
		s.toP4[p[0]] = p[1]
		s.toBZ[p[1]] = p[0]
	}
	return s
}

// ToJob maps a Bugzilla status to its Perforce status.
func (s *Status) ToJob(value string) (string, error) {
	if p4, ok := s.toP4[value]; ok {
		return p4, nil
	}
	return "", &types.TranslationError{Translator: "status", Value: value,
		Why: "no Perforce status corresponds to this Bugzilla status"}
}

// ToIssue maps a Perforce status to its Bugzilla status.
func (s *Status) ToIssue(value string) (string, error) {
	if bz, ok := s.toBZ[value]; ok {
		return bz, nil
	}
	return "", &types.TranslationError{Translator: "status", Value: value,
		Why: "no Bugzilla status corresponds to this Perforce status"}
}

// Values returns the Perforce status values in table order, with the
// special status "closed" always present even when no Bugzilla state maps
// to it. This becomes the value set of the jobspec Status field.
func (s *Status) Values() []string {
	out := make([]string, 0, len(s.pairs)+1)
	hasClosed := false
	for _, p := range s.pairs {
		if p[1] == "closed" {
			hasClosed = true
		}
		out = append(out, p[1])
	}
	if !hasClosed {
		out = append(out, "closed")
	}
	return out
}

// MakeStatusPairs derives the status table from the Bugzilla status
// column's value list. Each Bugzilla status becomes its lower-cased,
// keyword-escaped self; the configured closedState becomes the special
// Perforce status "closed" (displacing any genuine "closed" to the
// prefixed form); prohibited names are prefixed. Two Bugzilla statuses
// colliding on one Perforce status is a configuration error.
func MakeStatusPairs(statuses []string, closedState string) ([][2]string, error) {
	var kw Keyword
	var pairs [][2]string
	p4ToBZ := make(map[string]string)
	foundClosed := false

	var p4Closed string
	if closedState != "" {
		p4Closed, _ = kw.ToJob(strings.ToLower(closedState))
	}

	for _, bzState := range statuses {
		p4State, err := kw.ToJob(strings.ToLower(bzState))
		if err != nil {
			return nil, err
		}
		if closedState != "" {
			if p4State == p4Closed {
				p4State = "closed"
				foundClosed = true
			} else if p4State == "closed" {
				p4State = prohibitedStatusPrefix + p4State
			}
		}
		for _, p := range prohibitedStatuses {
			if p4State == p {
				p4State = prohibitedStatusPrefix + p4State
				break
			}
		}
		if prev, ok := p4ToBZ[p4State]; ok && prev != bzState {
			return nil, fmt.Errorf("Bugzilla statuses %q and %q both map to Perforce status %q",
				bzState, prev, p4State)
		}
		p4ToBZ[p4State] = bzState
		pairs = append(pairs, [2]string{bzState, p4State})
	}

	if closedState != "" && !foundClosed {
		return nil, fmt.Errorf("closed-state %q is not a Bugzilla status", closedState)
	}
	return pairs, nil
}
