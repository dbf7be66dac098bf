// Package config holds the viper configuration singleton for the
// replicator. Should be initialized once at process startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
//
// Precedence for the config file: explicit path argument (--config flag),
// then the P4DTI_CONFIG environment variable, then ./p4dti.yaml, then
// ~/.config/p4dti/config.yaml. The environment variable is only consulted
// when no file has been loaded yet, so tests and embedding processes can
// pre-load a config and ignore the environment.
func Initialize(explicit string) error {
	if v != nil && explicit == "" {
		return nil // already loaded in-process
	}
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false
	if explicit != "" {
		v.SetConfigFile(explicit)
		configFileSet = true
	}
	if !configFileSet {
		if p := os.Getenv("P4DTI_CONFIG"); p != "" {
			v.SetConfigFile(p)
			configFileSet = true
		}
	}
	if !configFileSet {
		if _, err := os.Stat("p4dti.yaml"); err == nil {
			v.SetConfigFile("p4dti.yaml")
			configFileSet = true
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			p := filepath.Join(configDir, "p4dti", "config.yaml")
			if _, err := os.Stat(p); err == nil {
				v.SetConfigFile(p)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over config file values,
	// e.g. P4DTI_RID, P4DTI_BUGZILLA_PASSWORD, P4DTI_P4_PORT.
	v.SetEnvPrefix("P4DTI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults()

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func setDefaults() {
	// Replicator identity. The (rid, sid) pair scopes every
	// replicator-owned row on the Bugzilla side.
	v.SetDefault("rid", "replicator0")
	v.SetDefault("sid", "perforce0")

	// Bugzilla database.
	v.SetDefault("bugzilla.driver", "mysql")
	v.SetDefault("bugzilla.host", "localhost")
	v.SetDefault("bugzilla.port", 3306)
	v.SetDefault("bugzilla.database", "bugs")
	v.SetDefault("bugzilla.user", "bugs")
	v.SetDefault("bugzilla.password", "")
	v.SetDefault("bugzilla.directory", "")       // Bugzilla install dir, for deferred mail scripts
	v.SetDefault("bugzilla.replicator-user", "") // the integration's Bugzilla account (email)

	// Perforce server.
	v.SetDefault("p4.port", "localhost:1666")
	v.SetDefault("p4.user", "p4dti-replicator0")
	v.SetDefault("p4.password", "")
	v.SetDefault("p4.client-executable", "p4")
	v.SetDefault("p4.client", "p4dti-replicator0")
	v.SetDefault("p4.client-root", "/tmp/p4dti-replicator0")

	// Replication policy.
	v.SetDefault("poll-period", "60s")
	v.SetDefault("start-date", "")              // replicate issues changed since; empty = from now
	v.SetDefault("conflict-policy", "bugzilla") // bugzilla | p4 | none
	v.SetDefault("use-perforce-jobnames", false)
	v.SetDefault("keep-jobspec", false)
	v.SetDefault("replicate-fixes", true)
	v.SetDefault("replicate-filespecs", true)
	v.SetDefault("strict-user-translation", true)
	// Bugzilla workflow states, in workflow order, and the state that
	// maps to the special Perforce status "closed".
	v.SetDefault("statuses", []string{
		"UNCONFIRMED", "NEW", "ASSIGNED", "REOPENED", "RESOLVED", "VERIFIED", "CLOSED",
	})
	v.SetDefault("closed-state", "RESOLVED")

	// Field map: list of {bugzilla: <column>, p4: <jobspec field>, translator: <name>}.
	v.SetDefault("fields", []map[string]string{})

	// Notification.
	v.SetDefault("smtp-server", "localhost:25")
	v.SetDefault("admin-address", "")
	v.SetDefault("replicator-address", "")

	// Logging.
	v.SetDefault("log-file", "p4dti.log")
	v.SetDefault("log-max-megabytes", 10)
	v.SetDefault("log-max-backups", 5)

	// Lock file guarding against two replicators sharing one (rid, sid).
	v.SetDefault("lock-file", "p4dti.lock")
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// AllSettings returns the effective configuration as nested maps,
// defaults included.
func AllSettings() map[string]interface{} {
	if v == nil {
		return nil
	}
	return v.AllSettings()
}

// Set sets a configuration value. Used by tests and by flag overrides.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// Reset discards the singleton so the next Initialize reloads from disk.
// Tests use this to isolate configuration state.
func Reset() {
	v = nil
}

// FieldMapping is one configured bugzilla column <-> jobspec field pair.
type FieldMapping struct {
	Bugzilla   string
	P4         string
	Translator string
	AppendOnly bool
	ReadOnly   bool
}

// Fields returns the configured field map. The Job, Date and P4DTI-* fields
// are never listed here; the replicator owns them unconditionally.
func Fields() []FieldMapping {
	if v == nil {
		return nil
	}
	var raw []map[string]string
	if err := v.UnmarshalKey("fields", &raw); err != nil {
		return nil
	}
	out := make([]FieldMapping, 0, len(raw))
	for _, m := range raw {
		out = append(out, FieldMapping{
			Bugzilla:   m["bugzilla"],
			P4:         m["p4"],
			Translator: m["translator"],
			AppendOnly: m["append-only"] == "true",
			ReadOnly:   m["read-only"] == "true",
		})
	}
	return out
}
