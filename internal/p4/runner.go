// Package p4 is the job-side adapter: it wraps the Perforce command-line
// client and exposes typed operations on jobs, fixes, changelists,
// counters, users and the jobspec.
package p4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Record is one tagged-output record from the client.
type Record map[string]string

// Runner executes one client command. Structured commands run with tagged
// output and return one Record per entity; form submissions (a non-empty
// stdin) run untagged and return a single Record whose "data" key holds
// the server's acknowledgement line.
type Runner interface {
	Run(ctx context.Context, args []string, stdin string) ([]Record, error)
}

// CommandError is a client invocation that the server rejected.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("p4 %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs the real client executable.
type ExecRunner struct {
	Executable string
	Port       string
	User       string
	Password   string
	Client     string

	// unicode is set by Probe from `p4 info`; when true every command
	// carries -C utf8. A command failing with a unicode-mode error
	// toggles it once and retries; a second failure is surfaced.
	unicode bool
	toggled bool
}

// NewExecRunner returns a runner for the given connection settings.
func NewExecRunner(executable, port, user, password, client string) *ExecRunner {
	return &ExecRunner{
		Executable: executable,
		Port:       port,
		User:       user,
		Password:   password,
		Client:     client,
	}
}

// Probe asks the server whether it is in Unicode mode. Must be called
// before the first real command.
func (r *ExecRunner) Probe(ctx context.Context) error {
	recs, err := r.run(ctx, []string{"info"}, "")
	if err != nil {
		return err
	}
	if len(recs) > 0 {
		_, r.unicode = recs[0]["unicode"]
	}
	return nil
}

func (r *ExecRunner) globalArgs() []string {
	args := []string{"-p", r.Port, "-u", r.User}
	if r.Password != "" {
		args = append(args, "-P", r.Password)
	}
	if r.Client != "" {
		args = append(args, "-c", r.Client)
	}
	if r.unicode {
		args = append(args, "-C", "utf8")
	}
	return args
}

func isUnicodeError(stderr string) bool {
	return strings.Contains(stderr, "Unicode server permits only unicode enabled clients") ||
		strings.Contains(stderr, "Unicode clients require a unicode enabled server")
}

// Run implements Runner, with the one-shot unicode-mode toggle.
func (r *ExecRunner) Run(ctx context.Context, args []string, stdin string) ([]Record, error) {
	recs, err := r.run(ctx, args, stdin)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isUnicodeError(cmdErr.Stderr) && !r.toggled {
			r.toggled = true
			r.unicode = !r.unicode
			return r.run(ctx, args, stdin)
		}
	}
	return recs, err
}

func (r *ExecRunner) run(ctx context.Context, args []string, stdin string) ([]Record, error) {
	full := r.globalArgs()
	if stdin == "" {
		full = append(full, "-ztag")
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, r.Executable, full...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, &CommandError{Args: args, Stderr: errBuf.String(), Err: err}
	}
	if stdin != "" {
		return []Record{{"data": strings.TrimSpace(out.String())}}, nil
	}
	return parseTagged(out.String()), nil
}

// parseTagged splits tagged client output into records. Each field is a
// line "... key value"; value continuation lines belong to the previous
// field; a blank line between "..." groups separates records.
func parseTagged(out string) []Record {
	var recs []Record
	var cur Record
	var lastKey string
	flush := func() {
		if len(cur) > 0 {
			recs = append(recs, cur)
		}
		cur = nil
		lastKey = ""
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "... ") {
			rest := line[len("... "):]
			key, value, _ := strings.Cut(rest, " ")
			if cur == nil {
				cur = Record{}
			}
			if _, seen := cur[key]; seen {
				// A repeated key starts the next record (jobs, users
				// and changes all repeat their leading field).
				flush()
				cur = Record{}
			}
			cur[key] = value
			lastKey = key
		} else if lastKey != "" && line != "" {
			cur[lastKey] += "\n" + line
		} else if strings.TrimSpace(line) == "" && lastKey != "" {
			lastKey = ""
		}
	}
	flush()
	return recs
}
