package translate

import (
	"sort"
	"strconv"
	"strings"

	"github.com/p4dti/p4dti/internal/types"
)

// UserTranslator matches Bugzilla accounts with Perforce accounts by
// e-mail address (compared lower-cased). The directories are loaded once
// and cached until the replicator invalidates them at poll start; user
// records change rarely enough that mid-poll staleness does not matter.
//
// Bugzilla user fields hold decimal user ids, so ToJob accepts an id and
// ToIssue returns one.
type UserTranslator struct {
	// BugzillaUser is the integration's Bugzilla account (an e-mail
	// address); P4User its Perforce account. Both must exist, carry a
	// unique e-mail, and share the same address, or Load fails.
	BugzillaUser string
	P4User       string

	// AllowUnknown maps users with no counterpart to the integration's
	// own account instead of failing. Fix and changelist user fields
	// use this: their users may have left long ago.
	AllowUnknown bool

	loaded       bool
	bugzillaID   int
	bzToP4       map[int]string
	p4ToBZ       map[string]int
	bzIDToEmail  map[int]string
	p4UserEmail  map[string]string
	bzDuplicates map[string]string // login -> email
	p4Duplicates map[string]string // user -> email
	bzUnmatched  map[string]string // login -> email
	p4Unmatched  map[string]string // user -> email
}

// NewUserTranslator returns an unloaded translator for the given
// bookkeeping accounts.
func NewUserTranslator(bugzillaUser, p4User string) *UserTranslator {
	return &UserTranslator{
		BugzillaUser: strings.ToLower(bugzillaUser),
		P4User:       p4User,
	}
}

// Lax returns a view sharing this translator's tables that maps unknown
// users to the bookkeeping user instead of failing.
func (u *UserTranslator) Lax() Translator {
	return &laxUser{u}
}

type laxUser struct{ u *UserTranslator }

func (l *laxUser) ToJob(v string) (string, error)   { return l.u.translateToJob(v, true) }
func (l *laxUser) ToIssue(v string) (string, error) { return l.u.translateToIssue(v, true) }

// Loaded reports whether the directory tables are populated.
func (u *UserTranslator) Loaded() bool { return u.loaded }

// Invalidate discards the cached tables; the next translation's caller
// must Load again. Called at poll start.
func (u *UserTranslator) Invalidate() { u.loaded = false }

// Load builds the matching tables from both user directories.
func (u *UserTranslator) Load(bzUsers []types.User, p4Users []types.P4User) error {
	u.bzToP4 = make(map[int]string)
	u.p4ToBZ = make(map[string]int)
	u.bzIDToEmail = make(map[int]string)
	u.p4UserEmail = make(map[string]string)
	u.bzDuplicates = make(map[string]string)
	u.p4Duplicates = make(map[string]string)
	u.bzUnmatched = make(map[string]string)
	u.p4Unmatched = make(map[string]string)

	// Perforce side: user -> email, email -> first-seen user.
	p4EmailToUser := make(map[string]string)
	for _, pu := range p4Users {
		email := strings.ToLower(pu.Email)
		u.p4UserEmail[pu.Name] = email
		if prev, dup := p4EmailToUser[email]; dup {
			u.p4Duplicates[prev] = email
			u.p4Duplicates[pu.Name] = email
		} else {
			p4EmailToUser[email] = pu.Name
		}
	}

	p4Email, ok := u.p4UserEmail[u.P4User]
	if !ok {
		return &types.TranslationError{Translator: "user", Value: u.P4User,
			Why: "the replicator's Perforce user is not a known Perforce user"}
	}
	if _, dup := u.p4Duplicates[u.P4User]; dup {
		return &types.TranslationError{Translator: "user", Value: u.P4User,
			Why: "the replicator's Perforce user shares its e-mail address with other users"}
	}

	// Bugzilla side: id -> email, email -> first-seen id.
	bzEmailToID := make(map[string]int)
	bzLogin := make(map[int]string)
	var bugzillaIDs []int
	for _, bu := range bzUsers {
		email := strings.ToLower(bu.Login)
		u.bzIDToEmail[bu.ID] = email
		bzLogin[bu.ID] = bu.Login
		if email == u.BugzillaUser {
			bugzillaIDs = append(bugzillaIDs, bu.ID)
		}
		if prev, dup := bzEmailToID[email]; dup {
			u.bzDuplicates[bzLogin[prev]] = email
			u.bzDuplicates[bu.Login] = email
		} else {
			bzEmailToID[email] = bu.ID
		}
	}

	switch len(bugzillaIDs) {
	case 0:
		return &types.TranslationError{Translator: "user", Value: u.BugzillaUser,
			Why: "the replicator's Bugzilla user is not a known Bugzilla user"}
	case 1:
		u.bugzillaID = bugzillaIDs[0]
	default:
		return &types.TranslationError{Translator: "user", Value: u.BugzillaUser,
			Why: "several Bugzilla users share the replicator's e-mail address"}
	}
	if p4Email != u.BugzillaUser {
		return &types.TranslationError{Translator: "user", Value: u.P4User,
			Why: "the replicator's Perforce and Bugzilla accounts have different e-mail addresses"}
	}

	// Pair accounts with identical lower-cased e-mail addresses. Iterate
	// in id order so that first-seen-wins is deterministic.
	ids := make([]int, 0, len(u.bzIDToEmail))
	for id := range u.bzIDToEmail {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		email := u.bzIDToEmail[id]
		if p4User, ok := p4EmailToUser[email]; ok {
			if _, taken := u.p4ToBZ[p4User]; !taken {
				u.bzToP4[id] = p4User
				u.p4ToBZ[p4User] = id
				continue
			}
		}
		u.bzUnmatched[bzLogin[id]] = email
	}
	for _, pu := range p4Users {
		if _, ok := u.p4ToBZ[pu.Name]; !ok {
			u.p4Unmatched[pu.Name] = strings.ToLower(pu.Email)
		}
	}

	u.loaded = true
	return nil
}

// Unmatched returns the users on each side with no counterpart:
// Bugzilla login -> email and Perforce user -> email. The startup report
// mails these to the administrator.
func (u *UserTranslator) Unmatched() (bz, p4 map[string]string) {
	return u.bzUnmatched, u.p4Unmatched
}

// Duplicates returns the users on each side sharing an e-mail address.
func (u *UserTranslator) Duplicates() (bz, p4 map[string]string) {
	return u.bzDuplicates, u.p4Duplicates
}

// ToJob translates a Bugzilla user id to a Perforce user name.
func (u *UserTranslator) ToJob(value string) (string, error) {
	return u.translateToJob(value, u.AllowUnknown)
}

// ToIssue translates a Perforce user name to a Bugzilla user id.
func (u *UserTranslator) ToIssue(value string) (string, error) {
	return u.translateToIssue(value, u.AllowUnknown)
}

func (u *UserTranslator) translateToJob(value string, lax bool) (string, error) {
	id, err := strconv.Atoi(value)
	if err != nil {
		return "", &types.TranslationError{Translator: "user", Value: value,
			Why: "not a Bugzilla user id"}
	}
	if p4User, ok := u.bzToP4[id]; ok {
		return p4User, nil
	}
	if lax {
		return u.P4User, nil
	}
	return "", &types.TranslationError{Translator: "user", Value: value,
		Why: "no Perforce user has this Bugzilla user's e-mail address"}
}

func (u *UserTranslator) translateToIssue(value string, lax bool) (string, error) {
	if id, ok := u.p4ToBZ[value]; ok {
		return strconv.Itoa(id), nil
	}
	if lax {
		return strconv.Itoa(u.bugzillaID), nil
	}
	return "", &types.TranslationError{Translator: "user", Value: value,
		Why: "no Bugzilla user has this Perforce user's e-mail address"}
}
