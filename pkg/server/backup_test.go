package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crystal-mush/cmdhost/pkg/boltstore"
)

func TestRestoreBackupIntoFreshDir(t *testing.T) {
	g := newTestGame(t, nil)
	newPlayer(t, g, "Alice")
	path, err := g.Backup()
	if err != nil {
		t.Fatal(err)
	}

	gc := DefaultGameConf()
	gc.DataDir = t.TempDir()
	gc.SQLPath = "history.db"
	gc.BackupDir = filepath.Dir(path)
	res, err := RestoreBackup(gc, "latest", false)
	if err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	if res.FilesRestored != 2 {
		t.Errorf("FilesRestored = %d, want bolt and history", res.FilesRestored)
	}
	if _, err := os.Stat(gc.Path("history.db")); err != nil {
		t.Errorf("history not restored: %v", err)
	}

	store, err := boltstore.Open(gc.Path(gc.BoltPath))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.LoadAll(); err != nil {
		t.Fatal(err)
	}
	acct, err := store.GetAccount("alice")
	if err != nil {
		t.Fatalf("restored world lacks Alice: %v", err)
	}
	if _, ok := store.DB().Get(acct.Actor); !ok {
		t.Errorf("Alice's actor %s missing", acct.Actor)
	}
}

func TestRestoreBackupNeedsArchive(t *testing.T) {
	gc := DefaultGameConf()
	gc.DataDir = t.TempDir()
	if _, err := RestoreBackup(gc, "latest", false); err == nil {
		t.Error("restore with no backups succeeded")
	}
}
