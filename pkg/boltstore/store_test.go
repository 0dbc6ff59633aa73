package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestBootstrapAndReload(t *testing.T) {
	s, path := openTemp(t)
	if s.HasData() {
		t.Fatal("fresh store has data")
	}
	if err := s.Bootstrap("Wizard", "hash", []string{"actor"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	// second call is a no-op
	if err := s.Bootstrap("Other", "x", nil); err != nil {
		t.Fatalf("Bootstrap again: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if err := s2.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	db := s2.DB()
	if db.Len() != 2 {
		t.Fatalf("loaded %d objects, want 2", db.Len())
	}
	wiz, ok := db.Get(1)
	if !ok || !wiz.HasFlag(gamedb.FlagWizard) || wiz.Location != 0 {
		t.Fatalf("wizard = %+v", wiz)
	}
	if diff := cmp.Diff([]string{"actor"}, wiz.CmdSets); diff != "" {
		t.Errorf("cmdsets (-want +got):\n%s", diff)
	}
	if got := s2.PlayerRef("WIZARD"); got != 1 {
		t.Errorf("PlayerRef = %v", got)
	}
	acct, err := s2.GetAccount("wizard")
	if err != nil || acct.Actor != 1 || acct.PasswordHash != "hash" {
		t.Errorf("account = %+v, %v", acct, err)
	}
	if _, err := s2.GetAccount("nobody"); err != ErrNoAccount {
		t.Errorf("missing account err = %v", err)
	}
	if got := db.Contents(0); len(got) != 1 || got[0] != 1 {
		t.Errorf("room contents = %v", got)
	}
}

func TestDeleteObjectDropsPlayerIndex(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	p := s.DB().Create("Bob", gamedb.TypePlayer, gamedb.Nothing, gamedb.Nothing)
	if err := s.PutObject(p); err != nil {
		t.Fatal(err)
	}
	if s.PlayerRef("bob") != p.DBRef {
		t.Fatal("player index not written")
	}
	if err := s.DeleteObject(p.DBRef); err != nil {
		t.Fatal(err)
	}
	if s.PlayerRef("bob") != gamedb.Nothing {
		t.Error("player index survived delete")
	}
}

func TestRefKeyOrder(t *testing.T) {
	for _, r := range []gamedb.DBRef{gamedb.Nothing, 0, 1, 99999} {
		if got := keyToRef(refToKey(r)); got != r {
			t.Errorf("keyToRef(refToKey(%v)) = %v", r, got)
		}
	}
	if string(refToKey(-1)) >= string(refToKey(0)) {
		t.Error("negative refs must sort first")
	}
}
