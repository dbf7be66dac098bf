package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gofrs/flock"

	"github.com/p4dti/p4dti/internal/bugzilla"
	"github.com/p4dti/p4dti/internal/config"
	"github.com/p4dti/p4dti/internal/logw"
	"github.com/p4dti/p4dti/internal/notify"
	"github.com/p4dti/p4dti/internal/p4"
	"github.com/p4dti/p4dti/internal/replicate"
	"github.com/p4dti/p4dti/internal/translate"
)

// environment bundles the wired-up replicator with everything that has
// to be torn down when a command finishes.
type environment struct {
	rep    *replicate.Replicator
	issues *bugzilla.DB
	jobs   *p4.Adapter
	mail   *notify.Mailer
	log    *logw.Logger
	db     *sql.DB
	lock   *flock.Flock
	users  *translate.UserTranslator
}

func (e *environment) Close() {
	if e.lock != nil {
		_ = e.lock.Unlock()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
	if e.log != nil {
		_ = e.log.Close()
	}
}

// buildReplicator wires both adapters, the translators and the engine
// from the loaded configuration. The instance lock is taken first so a
// second replicator sharing the same (rid, sid) fails fast.
func buildReplicator(ctx context.Context) (*environment, error) {
	env := &environment{}

	lockPath := config.GetString("lock-file")
	env.lock = flock.New(lockPath)
	locked, err := env.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("another replicator instance holds %s", lockPath)
	}

	env.mail = notify.New(
		config.GetString("smtp-server"),
		config.GetString("replicator-address"),
		config.GetString("admin-address"))

	env.log = logw.New(logw.Options{
		Path:         config.GetString("log-file"),
		MaxMegabytes: config.GetInt("log-max-megabytes"),
		MaxBackups:   config.GetInt("log-max-backups"),
		Fallback: func(err error) {
			_ = env.mail.SendAdmin("Replicator log failure",
				fmt.Sprintf("Writing the replicator log failed: %v.", err),
				"Log messages are lost until the problem is fixed.")
		},
	})

	rid := config.GetString("rid")
	sid := config.GetString("sid")

	env.db, err = sql.Open("mysql", mysqlDSN())
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("opening the tracker database: %w", err)
	}
	env.issues = bugzilla.Open(env.db, bugzilla.MySQL(), rid, sid,
		config.GetString("bugzilla.replicator-user"))
	env.issues.Directory = config.GetString("bugzilla.directory")
	if err := env.issues.Ping(ctx); err != nil {
		env.Close()
		return nil, fmt.Errorf("connecting to the tracker database: %w", err)
	}
	if err := env.issues.EnsureSchema(ctx); err != nil {
		env.Close()
		return nil, err
	}

	start, err := startDate()
	if err != nil {
		env.Close()
		return nil, err
	}
	if err := env.issues.VerifyConfig(ctx, map[string]string{
		"start_date":            start.Format("2006-01-02 15:04:05"),
		"use_perforce_jobnames": strconv.FormatBool(config.GetBool("use-perforce-jobnames")),
		"closed_state":          config.GetString("closed-state"),
		"replicator_user":       config.GetString("bugzilla.replicator-user"),
		"p4_server_description": config.GetString("p4.port"),
		"admin_address":         config.GetString("admin-address"),
		"poll_period":           config.GetDuration("poll-period").String(),
	}); err != nil {
		env.Close()
		return nil, err
	}

	runner := p4.NewExecRunner(
		config.GetString("p4.client-executable"),
		config.GetString("p4.port"),
		config.GetString("p4.user"),
		config.GetString("p4.password"),
		config.GetString("p4.client"))
	if err := runner.Probe(ctx); err != nil {
		env.Close()
		return nil, fmt.Errorf("connecting to the Perforce server: %w", err)
	}
	env.jobs = p4.NewAdapter(runner, rid)
	if client := config.GetString("p4.client"); client != "" {
		if err := env.jobs.CreateClient(ctx, client,
			config.GetString("p4.user"), config.GetString("p4.client-root")); err != nil {
			env.Close()
			return nil, fmt.Errorf("creating the replicator's client workspace: %w", err)
		}
	}

	pairs, err := translate.MakeStatusPairs(
		config.GetStringSlice("statuses"), config.GetString("closed-state"))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.users = translate.NewUserTranslator(
		config.GetString("bugzilla.replicator-user"), config.GetString("p4.user"))
	env.users.AllowUnknown = !config.GetBool("strict-user-translation")

	fields, policy, err := fieldMap(env.users)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.rep = replicate.New(env.issues, env.jobs, env.mail, env.log, replicate.Options{
		Rid:                 rid,
		Sid:                 sid,
		StartDate:           start,
		Policy:              replicate.ConflictPolicy(config.GetString("conflict-policy")),
		UsePerforceJobnames: config.GetBool("use-perforce-jobnames"),
		KeepJobspec:         config.GetBool("keep-jobspec"),
		ReplicateFixes:      config.GetBool("replicate-fixes"),
		ReplicateFilespecs:  config.GetBool("replicate-filespecs"),
		Fields:              fields,
		StatusTranslator:    translate.NewStatus(pairs),
		Users:               env.users,
		IssuePolicy:         policy,
	})
	return env, nil
}

func mysqlDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		config.GetString("bugzilla.user"),
		config.GetString("bugzilla.password"),
		config.GetString("bugzilla.host"),
		config.GetInt("bugzilla.port"),
		config.GetString("bugzilla.database"))
}

// startDate parses the configured replication horizon; empty means
// "from now", so pre-existing issues are left alone.
func startDate() (time.Time, error) {
	s := config.GetString("start-date")
	if s == "" {
		return time.Now(), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("start-date %q is not YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", s)
}

// fieldMap builds the configured field mappings and the tracker policy
// derived from them.
func fieldMap(users *translate.UserTranslator) ([]replicate.Field, *bugzilla.Policy, error) {
	policy := bugzilla.DefaultPolicy()
	policy.ReadOnly = make(map[string]bool)
	policy.AppendOnly = make(map[string]bool)

	var fields []replicate.Field
	for _, m := range config.Fields() {
		tr, err := translatorByName(m.Translator, users)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", m.Bugzilla, err)
		}
		fields = append(fields, replicate.Field{
			Issue:      m.Bugzilla,
			Job:        m.P4,
			Translator: tr,
			ReadOnly:   m.ReadOnly,
			AppendOnly: m.AppendOnly,
		})
		if m.ReadOnly {
			policy.ReadOnly[m.Bugzilla] = true
		}
		if m.AppendOnly {
			policy.AppendOnly[m.Bugzilla] = true
		}
	}
	return fields, policy, nil
}

func translatorByName(name string, users *translate.UserTranslator) (translate.Translator, error) {
	switch name {
	case "", "keyword":
		return translate.Keyword{}, nil
	case "enum":
		return translate.Enum{}, nil
	case "date":
		return translate.Date{}, nil
	case "timestamp":
		return translate.Timestamp{}, nil
	case "int":
		return translate.Int{}, nil
	case "text":
		return translate.Text{}, nil
	case "user":
		return users, nil
	}
	return nil, fmt.Errorf("unknown translator %q", name)
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
