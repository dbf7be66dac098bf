package translate

import (
	"fmt"
	"strings"

	"github.com/p4dti/p4dti/internal/types"
)

// Keyword translates identifiers between Bugzilla and Perforce. Perforce
// job field names cannot contain whitespace, hashes or double quotes, and
// select-field values additionally cannot contain semicolons or slashes,
// so those characters are escaped. The translation must be one-to-one so
// that select values survive a round trip:
//
//	Bugzilla  Perforce
//	(space)   _
//	\         \\
//	_         \_
//	;         \:
//	/         \|
//	#         \=
//	"         \'
//	other whitespace c   \xab  (ab = hex code of c)
type Keyword struct{}

var keywordToP4 = map[byte]string{
	' ':  "_",
	'\\': `\\`,
	'_':  `\_`,
	';':  `\:`,
	'/':  `\|`,
	'#':  `\=`,
	'"':  `\'`,
}

var keywordFromP4 = map[byte]byte{
	'\\': '\\',
	'_':  '_',
	':':  ';',
	'|':  '/',
	'=':  '#',
	'\'': '"',
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f' || c == '\r'
}

// ToJob escapes a Bugzilla keyword for use in a Perforce jobspec.
func (Keyword) ToJob(value string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		if esc, ok := keywordToP4[c]; ok {
			b.WriteString(esc)
		} else if isSpace(c) {
			fmt.Fprintf(&b, `\x%02x`, c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// ToIssue reverses ToJob. Malformed escape sequences are an error, since
// they cannot have been produced by ToJob.
func (Keyword) ToIssue(value string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '_' {
			b.WriteByte(' ')
			continue
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(value) {
			return "", &types.TranslationError{Translator: "keyword", Value: value,
				Why: "trailing backslash"}
		}
		next := value[i+1]
		if next == 'x' {
			if i+3 >= len(value) {
				return "", &types.TranslationError{Translator: "keyword", Value: value,
					Why: "truncated \\x escape"}
			}
			var code int
			if _, err := fmt.Sscanf(value[i+2:i+4], "%02x", &code); err != nil {
				return "", &types.TranslationError{Translator: "keyword", Value: value,
					Why: fmt.Sprintf("bad \\x escape %q", value[i:i+4])}
			}
			b.WriteByte(byte(code))
			i += 3
			continue
		}
		plain, ok := keywordFromP4[next]
		if !ok {
			return "", &types.TranslationError{Translator: "keyword", Value: value,
				Why: fmt.Sprintf("unknown escape %q", value[i:i+2])}
		}
		b.WriteByte(plain)
		i++
	}
	return b.String(), nil
}
