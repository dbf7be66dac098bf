package bugzilla

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// immutableConfig lists the settings that must not change for an
// existing (rid, sid) once replication has started. Changing any of
// them silently would corrupt the pairing between the two stores, so a
// mismatch against the stored rows is fatal; the operator has to set up
// a fresh replicator identity instead.
var immutableConfig = []string{
	"start_date",
	"use_perforce_jobnames",
	"closed_state",
}

// VerifyConfig compares the running configuration against the rows
// stored by the previous run and then writes the current values back.
// A changed immutable setting is an error; everything else is recorded
// so administrators can inspect the replicator's effective settings
// from the tracker side.
func (d *DB) VerifyConfig(ctx context.Context, settings map[string]string) error {
	var clashes []string
	for _, key := range immutableConfig {
		wanted, ok := settings[key]
		if !ok {
			continue
		}
		stored, err := d.Config(ctx, key)
		if err != nil {
			return err
		}
		if stored != "" && stored != wanted {
			clashes = append(clashes,
				fmt.Sprintf("%s changed from %q to %q", key, stored, wanted))
		}
	}
	if len(clashes) > 0 {
		return fmt.Errorf("the configuration no longer matches the one this replicator "+
			"started with; use a new rid to start over, or restore the old settings:\n  %s",
			strings.Join(clashes, "\n  "))
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := d.SetConfig(ctx, k, settings[k]); err != nil {
			return err
		}
	}
	return nil
}
