package translate

import (
	"testing"

	"github.com/p4dti/p4dti/internal/types"
)

func loadedTranslator(t *testing.T) *UserTranslator {
	t.Helper()
	u := NewUserTranslator("p4dti@example.com", "p4dti-replicator0")
	err := u.Load(
		[]types.User{
			{ID: 1, Login: "p4dti@example.com", Name: "P4DTI replicator"},
			{ID: 2, Login: "alice@example.com", Name: "Alice"},
			{ID: 3, Login: "bob@example.com", Name: "Bob"},
			{ID: 4, Login: "carol@example.com", Name: "Carol"},
		},
		[]types.P4User{
			{Name: "p4dti-replicator0", Email: "p4dti@example.com"},
			{Name: "alice", Email: "Alice@Example.Com"}, // case-insensitive match
			{Name: "bob", Email: "bob@example.com"},
			{Name: "dave", Email: "dave@example.com"},
		})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return u
}

func TestUserTranslationByEmail(t *testing.T) {
	u := loadedTranslator(t)

	p4, err := u.ToJob("2")
	if err != nil || p4 != "alice" {
		t.Errorf("ToJob(2) = %q, %v", p4, err)
	}
	bz, err := u.ToIssue("bob")
	if err != nil || bz != "3" {
		t.Errorf("ToIssue(bob) = %q, %v", bz, err)
	}
}

func TestUserStrictModeFailsUnknown(t *testing.T) {
	u := loadedTranslator(t)

	if _, err := u.ToIssue("dave"); err == nil {
		t.Error("strict ToIssue(dave) succeeded, want error")
	}
	if _, err := u.ToJob("4"); err == nil {
		t.Error("strict ToJob(carol) succeeded, want error")
	}
}

func TestUserLaxModeMapsToBookkeepingUser(t *testing.T) {
	u := loadedTranslator(t)
	lax := u.Lax()

	bz, err := lax.ToIssue("dave")
	if err != nil || bz != "1" {
		t.Errorf("lax ToIssue(dave) = %q, %v; want replicator id 1", bz, err)
	}
	p4, err := lax.ToJob("4")
	if err != nil || p4 != "p4dti-replicator0" {
		t.Errorf("lax ToJob(carol) = %q, %v", p4, err)
	}
}

func TestUserUnmatchedSets(t *testing.T) {
	u := loadedTranslator(t)
	bz, p4 := u.Unmatched()
	if _, ok := bz["carol@example.com"]; !ok {
		t.Errorf("carol missing from Bugzilla unmatched set: %v", bz)
	}
	if _, ok := p4["dave"]; !ok {
		t.Errorf("dave missing from Perforce unmatched set: %v", p4)
	}
}

func TestUserLoadRejectsMissingReplicatorUser(t *testing.T) {
	u := NewUserTranslator("p4dti@example.com", "p4dti-replicator0")
	err := u.Load(
		[]types.User{{ID: 2, Login: "alice@example.com"}},
		[]types.P4User{{Name: "p4dti-replicator0", Email: "p4dti@example.com"}})
	if err == nil {
		t.Fatal("Load succeeded without the replicator's Bugzilla account")
	}
}

func TestUserLoadRejectsMismatchedReplicatorEmail(t *testing.T) {
	u := NewUserTranslator("p4dti@example.com", "p4dti-replicator0")
	err := u.Load(
		[]types.User{{ID: 1, Login: "p4dti@example.com"}},
		[]types.P4User{{Name: "p4dti-replicator0", Email: "other@example.com"}})
	if err == nil {
		t.Fatal("Load succeeded with mismatched replicator e-mail addresses")
	}
}

func TestUserLoadFlagsDuplicates(t *testing.T) {
	u := NewUserTranslator("p4dti@example.com", "p4dti-replicator0")
	err := u.Load(
		[]types.User{
			{ID: 1, Login: "p4dti@example.com"},
			{ID: 2, Login: "alice@example.com", Name: "Alice"},
			{ID: 3, Login: "Alice@example.com", Name: "Alice Again"},
		},
		[]types.P4User{
			{Name: "p4dti-replicator0", Email: "p4dti@example.com"},
			{Name: "alice", Email: "alice@example.com"},
		})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	bzDup, _ := u.Duplicates()
	if len(bzDup) != 2 {
		t.Errorf("Bugzilla duplicates = %v, want both alice accounts", bzDup)
	}
	// First seen wins: id 2 keeps the pairing.
	if p4, err := u.ToJob("2"); err != nil || p4 != "alice" {
		t.Errorf("ToJob(2) = %q, %v", p4, err)
	}
	if _, err := u.ToJob("3"); err == nil {
		t.Error("duplicate id 3 should not be paired in strict mode")
	}
}

func TestUserInvalidate(t *testing.T) {
	u := loadedTranslator(t)
	if !u.Loaded() {
		t.Fatal("translator should be loaded")
	}
	u.Invalidate()
	if u.Loaded() {
		t.Error("translator still loaded after Invalidate")
	}
}
