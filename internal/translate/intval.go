package translate

import (
	"strconv"

	"github.com/p4dti/p4dti/internal/types"
)

// Int translates integer columns to Perforce word fields. An empty word
// field reads back as zero.
type Int struct{}

func (Int) ToJob(value string) (string, error) {
	if value == "" {
		return "0", nil
	}
	if _, err := strconv.Atoi(value); err != nil {
		return "", &types.TranslationError{Translator: "int", Value: value,
			Why: "not a decimal integer"}
	}
	return value, nil
}

func (Int) ToIssue(value string) (string, error) {
	if value == "" {
		return "0", nil
	}
	if _, err := strconv.Atoi(value); err != nil {
		return "", &types.TranslationError{Translator: "int", Value: value,
			Why: "not a decimal integer"}
	}
	return value, nil
}
