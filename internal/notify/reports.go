package notify

import (
	"fmt"
	"strings"
)

// Conflict mails the losing side's author a snapshot of the values that
// were overwritten, so nothing a user typed is ever silently lost.
func (m *Mailer) Conflict(to string, issueID int, jobname string, overwritten map[string]string, winner string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue %d and job %s were both changed since the last poll. ", issueID, jobname)
	fmt.Fprintf(&b, "The %s copy won; your changes below were overwritten.", winner)
	var fields strings.Builder
	for f, v := range overwritten {
		fmt.Fprintf(&fields, "%s: %s\n", f, v)
	}
	return m.Send([]string{to},
		fmt.Sprintf("Replication conflict on issue %d / job %s", issueID, jobname),
		b.String(), fields.String())
}

// Revert mails the job's author that their edit could not be applied to
// the issue and the job was rolled back, with the rejected values.
func (m *Mailer) Revert(to string, jobname string, issueID int, reason error, rejected map[string]string) error {
	var fields strings.Builder
	for f, v := range rejected {
		fmt.Fprintf(&fields, "%s: %s\n", f, v)
	}
	return m.Send([]string{to},
		fmt.Sprintf("Your change to job %s was reverted", jobname),
		fmt.Sprintf("Your change to job %s could not be applied to issue %d: %v. "+
			"The job has been restored from the issue. Your values were:", jobname, issueID, reason),
		fields.String())
}

// RevertFailed mails the administrator both failures when a revert
// itself fails; the pair is skipped until the next poll.
func (m *Mailer) RevertFailed(jobname string, issueID int, updateErr, revertErr error) error {
	return m.SendAdmin(
		fmt.Sprintf("Replication of job %s failed and could not be reverted", jobname),
		fmt.Sprintf("Applying job %s to issue %d failed: %v", jobname, issueID, updateErr),
		fmt.Sprintf("Reverting the job from the issue then also failed: %v", revertErr),
		"The pair is skipped for this cycle. Both records may now disagree until one side is changed again.")
}

// PollFailed mails the administrator a failed poll and the new period.
func (m *Mailer) PollFailed(err error, nextPeriod string) error {
	return m.SendAdmin("Replicator poll failed",
		fmt.Sprintf("The poll failed: %v", err),
		fmt.Sprintf("The replicator will retry in %s. The interval doubles on each "+
			"consecutive failure and resets after the first success.", nextPeriod))
}

// Startup mails the administrator the user-matching report produced at
// startup: accounts with no counterpart and addresses shared by several
// accounts on either side. All four arguments map account to address.
func (m *Mailer) Startup(rid string, issueUnmatched, jobUnmatched, issueDup, jobDup map[string]string) error {
	var paras []string
	paras = append(paras, fmt.Sprintf("Replicator %q started.", rid))
	section := func(title string, users map[string]string) {
		if len(users) == 0 {
			return
		}
		var b strings.Builder
		b.WriteString(title + "\n")
		for account, email := range users {
			fmt.Fprintf(&b, "%s (%s)\n", account, email)
		}
		paras = append(paras, b.String())
	}
	section("Tracker accounts with no matching job-store account (changes by these users replicate under the bookkeeping account):", issueUnmatched)
	section("Job-store accounts with no matching tracker account:", jobUnmatched)
	section("Tracker accounts whose address is shared with another account (the lowest-numbered account was matched):", issueDup)
	section("Job-store accounts whose address is shared with another account (the first seen was matched):", jobDup)
	return m.SendAdmin("Replicator started", paras...)
}
