package translate

import (
	"strings"
)

// Text translates multi-line text fields. Bugzilla stores text without a
// trailing newline; Perforce text fields always end in one.
type Text struct{}

func (Text) ToJob(value string) (string, error) {
	if value != "" {
		value += "\n"
	}
	return value, nil
}

func (Text) ToIssue(value string) (string, error) {
	return strings.TrimSuffix(value, "\n"), nil
}

// NormalizeBlankLines rewrites whitespace-only lines as empty lines. The
// Bugzilla adapter applies this when reading text fields: Perforce
// canonicalises blank lines in job text fields, and without the same
// canonicalisation here every poll would see a spurious diff and the pair
// would oscillate forever.
func NormalizeBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}
