package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var migrateUsersOut string

var migrateUsersCmd = &cobra.Command{
	Use:   "migrate-users",
	Short: "Report how user accounts match across the two stores",
	Long: `Match Bugzilla and Perforce accounts by e-mail address and
report the leftovers, without changing anything.

Unmatched users keep working on their own side, but the replicator
records their edits under its own account on the other side, so sites
usually want the lists empty. Users sharing an e-mail address cannot be
matched at all and are listed separately.

With --csv the unmatched users are also written as CSV, one row per
account, ready for a bulk account-creation script.

Examples:
  p4dti migrate-users
  p4dti migrate-users --csv unmatched.csv`,
	Args: cobra.NoArgs,
	RunE: runMigrateUsers,
}

func init() {
	migrateUsersCmd.Flags().StringVar(&migrateUsersOut, "csv", "",
		"write unmatched users to this CSV file")
	rootCmd.AddCommand(migrateUsersCmd)
}

func runMigrateUsers(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := buildReplicator(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	bzUsers, err := env.issues.Users(ctx)
	if err != nil {
		return err
	}
	p4Users, err := env.jobs.Users(ctx)
	if err != nil {
		return err
	}
	if err := env.users.Load(bzUsers, p4Users); err != nil {
		return err
	}

	bzUn, p4Un := env.users.Unmatched()
	bzDup, p4Dup := env.users.Duplicates()

	printUserTable("Bugzilla users with no Perforce counterpart", bzUn)
	printUserTable("Perforce users with no Bugzilla counterpart", p4Un)
	printUserTable("Bugzilla users sharing an e-mail address", bzDup)
	printUserTable("Perforce users sharing an e-mail address", p4Dup)

	if migrateUsersOut == "" {
		return nil
	}
	f, err := os.Create(migrateUsersOut)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"side", "account", "email"}); err != nil {
		return err
	}
	for _, name := range sortedKeys(bzUn) {
		if err := w.Write([]string{"bugzilla", name, bzUn[name]}); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(p4Un) {
		if err := w.Write([]string{"perforce", name, p4Un[name]}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func printUserTable(title string, users map[string]string) {
	fmt.Printf("%s: %d\n", title, len(users))
	for _, name := range sortedKeys(users) {
		fmt.Printf("  %-30s %s\n", name, users[name])
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
