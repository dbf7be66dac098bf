// Package translate converts field values between their Bugzilla (side 0)
// and Perforce (side 1) representations. Translators are pure: all context
// they need (status tables, user directories) is loaded at construction or
// at poll start, never during a translation.
package translate

// Translator converts one field value in each direction. Implementations
// must be inverse to each other over their bijective domain: for every v
// accepted by ToJob, ToIssue(ToJob(v)) == v, and symmetrically where the
// domain allows (see the keyword, enum and status translators).
type Translator interface {
	// ToJob translates a Bugzilla value to its Perforce representation.
	ToJob(value string) (string, error)
	// ToIssue translates a Perforce value to its Bugzilla representation.
	ToIssue(value string) (string, error)
}
