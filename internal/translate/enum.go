package translate

// Enum translates values of Bugzilla enum columns, which become select
// fields in the jobspec. Perforce select values cannot be empty, so the
// empty Bugzilla value maps to the reserved word NONE.
type Enum struct {
	kw Keyword
}

// ToJob escapes an enum value for a Perforce select field.
func (e Enum) ToJob(value string) (string, error) {
	if value == "" {
		return "NONE", nil
	}
	return e.kw.ToJob(value)
}

// ToIssue reverses ToJob.
func (e Enum) ToIssue(value string) (string, error) {
	if value == "NONE" {
		return "", nil
	}
	return e.kw.ToIssue(value)
}
