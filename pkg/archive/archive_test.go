package archive

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCreateWritesManifest(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "cmdsets", "chat.yaml"), "sets: []\n")
	writeFile(t, filepath.Join(src, "text", "connect.txt"), "hello\n")
	writeFile(t, filepath.Join(src, "history.db"), "rows")
	writeFile(t, filepath.Join(src, "game.yaml"), "name: test\n")

	dir := filepath.Join(t.TempDir(), "backups")
	path, err := Create(Params{
		Snapshot: func(dest string) error {
			return os.WriteFile(dest, []byte("bolt"), 0644)
		},
		HistoryPath: filepath.Join(src, "history.db"),
		CmdSetDir:   filepath.Join(src, "cmdsets"),
		TextDir:     filepath.Join(src, "text"),
		ConfPath:    filepath.Join(src, "game.yaml"),
		Dir:         dir,
		Name:        "test",
		Objects:     3,
		Now:         func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got, want := filepath.Base(path), "backup-20260102-030405.tar.gz"; got != want {
		t.Errorf("filename = %q, want %q", got, want)
	}

	m, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.Name != "test" || m.Objects != 3 || m.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("manifest header = %+v", m)
	}
	types := map[string]string{}
	for name, fe := range m.Files {
		types[name] = fe.Type
	}
	want := map[string]string{
		"data/world.bolt":   "bolt",
		"data/history.db":   "history",
		"cmdsets/chat.yaml": "cmdset",
		"text/connect.txt":  "text",
		"conf/game.yaml":    "conf",
	}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}
	if fe := m.Files["data/world.bolt"]; fe.Size != 4 || len(fe.SHA256) != 64 {
		t.Errorf("bolt entry = %+v", fe)
	}
}

func TestCreateSkipsMissingParts(t *testing.T) {
	dir := t.TempDir()
	path, err := Create(Params{Dir: dir, CmdSetDir: filepath.Join(dir, "nope")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(m.Files) != 0 {
		t.Errorf("files = %v, want none", m.Files)
	}
}

func TestListAndPrune(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		if _, err := Create(Params{Dir: dir, Name: "w", Now: func() time.Time { return at }}); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(dir, "unrelated.tar.gz"), "x")

	all, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, ai := range all {
		names = append(names, ai.Filename)
	}
	want := []string{
		"backup-20260301-030000.tar.gz",
		"backup-20260301-020000.tar.gz",
		"backup-20260301-010000.tar.gz",
		"backup-20260301-000000.tar.gz",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}

	n, err := Prune(dir, 2)
	if err != nil || n != 2 {
		t.Fatalf("Prune = %d, %v; want 2", n, err)
	}
	all, _ = List(dir)
	if len(all) != 2 || all[0].Filename != want[0] {
		t.Errorf("after prune: %+v", all)
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.tar.gz")); err != nil {
		t.Errorf("prune touched an unrelated file: %v", err)
	}
}

func TestRestore(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "cmdsets", "chat.yaml"), "sets: []\n")
	writeFile(t, filepath.Join(src, "text", "motd.txt"), "hi\n")
	writeFile(t, filepath.Join(src, "game.yaml"), "name: old\n")
	path, err := Create(Params{
		Snapshot:  func(dest string) error { return os.WriteFile(dest, []byte("bolt"), 0644) },
		CmdSetDir: filepath.Join(src, "cmdsets"),
		TextDir:   filepath.Join(src, "text"),
		ConfPath:  filepath.Join(src, "game.yaml"),
		Dir:       t.TempDir(),
		Name:      "old",
	})
	if err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	conf := filepath.Join(dst, "game.yaml")
	writeFile(t, conf, "name: new\n")
	p := RestoreParams{
		ArchivePath: path,
		BoltDest:    filepath.Join(dst, "data", "world.bolt"),
		HistoryDest: filepath.Join(dst, "data", "history.db"),
		CmdSetDest:  filepath.Join(dst, "cmdsets"),
		TextDest:    filepath.Join(dst, "text"),
		ConfDest:    conf,
	}
	res, err := Restore(p)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.FilesRestored != 3 || len(res.Warnings) != 1 || res.Manifest.Name != "old" {
		t.Errorf("result = %+v", res)
	}
	for file, want := range map[string]string{
		p.BoltDest: "bolt",
		filepath.Join(dst, "cmdsets", "chat.yaml"): "sets: []\n",
		conf: "name: new\n",
	} {
		if got, err := os.ReadFile(file); err != nil || string(got) != want {
			t.Errorf("%s = %q, %v; want %q", file, got, err, want)
		}
	}
	if _, err := os.Stat(p.HistoryDest); !os.IsNotExist(err) {
		t.Errorf("history restored from an archive without one: %v", err)
	}

	p.OverwriteConf = true
	if _, err := Restore(p); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(conf); string(got) != "name: old\n" {
		t.Errorf("config after overwrite = %q", got)
	}
}

func TestRestoreRejectsCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup-bad.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	add := func(name, body string) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0644}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	add("data/world.bolt", "tampered")
	add(ManifestName, `{"version":1,"files":{"data/world.bolt":{"sha256":"00","size":4,"type":"bolt"}}}`)
	tw.Close()
	gw.Close()
	f.Close()

	dest := filepath.Join(dir, "world.bolt")
	if _, err := Restore(RestoreParams{ArchivePath: path, BoltDest: dest}); err == nil {
		t.Fatal("corrupt archive restored")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("corrupt archive wrote %s", dest)
	}
}
