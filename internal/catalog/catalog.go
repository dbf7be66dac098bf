// Package catalog provides the replicator's message catalog. Every
// operator-visible message carries a stable numeric id so that log
// scrapers and the administrator documentation can refer to messages
// independently of their wording. Ids are never reused; retired
// messages keep their entry with severity "not-used".
package catalog

import (
	"embed"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

//go:embed messages.toml
var messagesFS embed.FS

// Severity orders messages by operator urgency, syslog style.
type Severity int

const (
	Debug Severity = iota
	Info
	Notice
	Warning
	Err
	Crit
	NotUsed Severity = -1
)

var severityNames = map[string]Severity{
	"debug":    Debug,
	"info":     Info,
	"notice":   Notice,
	"warning":  Warning,
	"err":      Err,
	"crit":     Crit,
	"not-used": NotUsed,
}

// Message is a formatted catalog entry ready for a log sink or a mail body.
type Message struct {
	ID       int
	Severity Severity
	Text     string
}

func (m Message) String() string {
	return fmt.Sprintf("(p4dti-%d)  %s", m.ID, m.Text)
}

type rawEntry struct {
	Severity string `toml:"severity"`
	Text     string `toml:"text"`
}

type entry struct {
	severity Severity
	format   string
}

var messages map[int]entry

func init() {
	data, err := messagesFS.ReadFile("messages.toml")
	if err != nil {
		panic(fmt.Sprintf("catalog: reading embedded messages: %v", err))
	}
	var raw map[string]rawEntry
	if err := toml.Unmarshal(data, &raw); err != nil {
		panic(fmt.Sprintf("catalog: parsing messages.toml: %v", err))
	}
	messages = make(map[int]entry, len(raw))
	for key, e := range raw {
		var id int
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			panic(fmt.Sprintf("catalog: message key %q is not numeric", key))
		}
		sev, ok := severityNames[e.Severity]
		if !ok {
			panic(fmt.Sprintf("catalog: message %d has unknown severity %q", id, e.Severity))
		}
		if _, dup := messages[id]; dup {
			panic(fmt.Sprintf("catalog: duplicate message id %d", id))
		}
		messages[id] = entry{severity: sev, format: e.Text}
	}
}

// Msg formats the catalog entry with the given id. Unknown ids and retired
// ids panic: they are programming errors, caught by TestAllIDsResolvable.
func Msg(id int, args ...interface{}) Message {
	e, ok := messages[id]
	if !ok {
		panic(fmt.Sprintf("catalog: no message with id %d", id))
	}
	if e.severity == NotUsed {
		panic(fmt.Sprintf("catalog: message %d is retired", id))
	}
	return Message{ID: id, Severity: e.severity, Text: fmt.Sprintf(e.format, args...)}
}

// IDs returns all live message ids in ascending order. Used by tests.
func IDs() []int {
	out := make([]int, 0, len(messages))
	for id, e := range messages {
		if e.severity != NotUsed {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// ArgCount returns the number of format verbs in the message. Used by
// tests to keep call sites and catalog in step.
func ArgCount(id int) int {
	e, ok := messages[id]
	if !ok {
		return -1
	}
	n := 0
	for i := 0; i < len(e.format); i++ {
		if e.format[i] == '%' && i+1 < len(e.format) {
			if e.format[i+1] == '%' {
				i++
				continue
			}
			n++
		}
	}
	return n
}
