package directory

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "users"), nil)
}

func TestBootstrapSeedsWhenEmpty(t *testing.T) {
	d := newTestDirectory(t)
	seed := []SeedUser{
		{Name: "alice", Credential: "correct-horse", Tier: TierPro},
		{Name: "bob", Credential: "battery-staple", Tier: TierBasic},
	}
	if err := d.Bootstrap(seed); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if got := d.Lookup("alice"); got == nil || got.Tier != TierPro || !got.Active {
		t.Fatalf("alice not seeded correctly: %+v", got)
	}
	if len(d.List()) != 2 {
		t.Fatalf("expected 2 principals, got %d", len(d.List()))
	}
}

func TestBootstrapLoadsExistingRecordsWithoutReseeding(t *testing.T) {
	dir := t.TempDir()
	usersDir := filepath.Join(dir, "users")

	d1 := New(usersDir, nil)
	if err := d1.Bootstrap([]SeedUser{{Name: "alice", Credential: "pw", Tier: TierBasic}}); err != nil {
		t.Fatalf("initial bootstrap: %v", err)
	}

	d2 := New(usersDir, nil)
	if err := d2.Bootstrap([]SeedUser{{Name: "charlie", Credential: "pw2", Tier: TierPremium}}); err != nil {
		t.Fatalf("reload bootstrap: %v", err)
	}

	if d2.Lookup("charlie") != nil {
		t.Fatal("second bootstrap should not have re-seeded since disk already had records")
	}
	if d2.Lookup("alice") == nil {
		t.Fatal("existing record should have been loaded from disk")
	}
}

func TestVerifyOutcomes(t *testing.T) {
	d := newTestDirectory(t)
	if err := d.Bootstrap([]SeedUser{{Name: "alice", Credential: "correct-horse", Tier: TierBasic}}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if r := d.Verify("alice", "correct-horse"); r != Valid {
		t.Errorf("Verify(correct) = %v, want Valid", r)
	}
	if r := d.Verify("alice", "wrong"); r != BadCredential {
		t.Errorf("Verify(wrong) = %v, want BadCredential", r)
	}
	if r := d.Verify("ghost", "whatever"); r != Unknown {
		t.Errorf("Verify(unknown principal) = %v, want Unknown", r)
	}

	if _, err := d.SetActive("alice", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if r := d.Verify("alice", "correct-horse"); r != Disabled {
		t.Errorf("Verify(disabled) = %v, want Disabled", r)
	}
}

func TestUpsertPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	usersDir := filepath.Join(dir, "users")

	d1 := New(usersDir, nil)
	if err := d1.Bootstrap(nil); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	digest, err := HashCredential("s3cret")
	if err != nil {
		t.Fatalf("HashCredential: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	err = d1.Upsert(&Principal{
		Name: "dana", CredentialDigest: digest, Tier: TierPremium,
		Active: true, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	d2 := New(usersDir, nil)
	if err := d2.Bootstrap(nil); err != nil {
		t.Fatalf("reload bootstrap: %v", err)
	}
	got := d2.Lookup("dana")
	if got == nil {
		t.Fatal("dana should have survived reload")
	}
	if got.Tier != TierPremium || !got.Active {
		t.Errorf("reloaded principal mismatch: %+v", got)
	}
	if r := d2.Verify("dana", "s3cret"); r != Valid {
		t.Errorf("Verify after reload = %v, want Valid", r)
	}
}

func TestHashCredentialProducesUniqueSalts(t *testing.T) {
	h1, err := HashCredential("same-password")
	if err != nil {
		t.Fatalf("HashCredential: %v", err)
	}
	h2, err := HashCredential("same-password")
	if err != nil {
		t.Fatalf("HashCredential: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same credential should differ due to random salt")
	}
	if !VerifyCredential(h1, "same-password") || !VerifyCredential(h2, "same-password") {
		t.Error("both digests should verify against the original credential")
	}
}
