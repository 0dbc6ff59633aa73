// Package archive writes and lists .tar.gz backups of host state: the bolt
// world snapshot, the command history database, command-set definitions,
// text files and the config file, with a manifest of SHA-256 sums.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
)

// ManifestName is the archive member holding the Manifest. It is written last.
const ManifestName = "manifest.json"

// Manifest describes the contents of an archive.
type Manifest struct {
	Version   int                  `json:"version"`
	Host      string               `json:"host"`
	Timestamp string               `json:"timestamp"`
	Name      string               `json:"name"`
	Objects   int                  `json:"objects"`
	Files     map[string]FileEntry `json:"files"`
}

// FileEntry describes a single member of the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"` // "bolt", "history", "cmdset", "text", "conf"
}

// Params holds everything Create needs. Empty paths and nil funcs skip
// that part.
type Params struct {
	Snapshot          func(destPath string) error // writes a consistent bolt copy
	HistoryPath       string
	HistoryCheckpoint func() error // flushes the history WAL before the copy
	CmdSetDir         string
	TextDir           string
	ConfPath          string
	Dir               string // output directory
	Name              string // world name for the manifest
	Objects           int
	Now               func() time.Time
}

func (p Params) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Create writes a new archive into p.Dir and returns its path.
func Create(p Params) (string, error) {
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", p.Dir, err)
	}
	now := p.now()
	path := filepath.Join(p.Dir, fmt.Sprintf("backup-%s.tar.gz", now.Format("20060102-150405")))

	tmpDir, err := os.MkdirTemp("", "cmdhost-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	var boltStaged, historyStaged string
	if p.Snapshot != nil {
		boltStaged = filepath.Join(tmpDir, "world.bolt")
		if err := p.Snapshot(boltStaged); err != nil {
			return "", fmt.Errorf("archive: bolt snapshot: %w", err)
		}
	}
	if p.HistoryPath != "" {
		if p.HistoryCheckpoint != nil {
			if err := p.HistoryCheckpoint(); err != nil {
				return "", fmt.Errorf("archive: history checkpoint: %w", err)
			}
		}
		historyStaged = filepath.Join(tmpDir, "history.db")
		if err := copyFile(p.HistoryPath, historyStaged); err != nil {
			return "", fmt.Errorf("archive: copy history: %w", err)
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", path, err)
	}
	gw := gzip.NewWriter(out)
	w := &writer{
		tw: tar.NewWriter(gw),
		manifest: Manifest{
			Version:   1,
			Host:      "cmdhost",
			Timestamp: now.UTC().Format(time.RFC3339),
			Name:      p.Name,
			Objects:   p.Objects,
			Files:     make(map[string]FileEntry),
		},
	}

	err = w.fill(p, boltStaged, historyStaged, now)
	if cerr := w.tw.Close(); err == nil {
		err = cerr
	}
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

type writer struct {
	tw       *tar.Writer
	manifest Manifest
}

func (w *writer) fill(p Params, boltStaged, historyStaged string, now time.Time) error {
	if boltStaged != "" {
		if err := w.addFile(boltStaged, "data/world.bolt", "bolt"); err != nil {
			return err
		}
	}
	if historyStaged != "" {
		if err := w.addFile(historyStaged, "data/history.db", "history"); err != nil {
			return err
		}
	}
	if err := w.addDir(p.CmdSetDir, "cmdsets", "cmdset"); err != nil {
		return err
	}
	if err := w.addDir(p.TextDir, "text", "text"); err != nil {
		return err
	}
	if p.ConfPath != "" {
		if _, err := os.Stat(p.ConfPath); err == nil {
			if err := w.addFile(p.ConfPath, "conf/"+filepath.Base(p.ConfPath), "conf"); err != nil {
				return err
			}
		}
	}

	data, err := json.MarshalIndent(w.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal manifest: %w", err)
	}
	if err := w.tw.WriteHeader(&tar.Header{
		Name:    ManifestName,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: now,
	}); err != nil {
		return fmt.Errorf("archive: write manifest header: %w", err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("archive: write manifest: %w", err)
	}
	return nil
}

// addFile copies srcPath into the archive as name, hashing it on the way.
func (w *writer) addFile(srcPath, name, typ string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}
	if err := w.tw.WriteHeader(&tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return fmt.Errorf("archive: header %s: %w", name, err)
	}

	h := sha256.New()
	n, err := io.Copy(w.tw, io.TeeReader(f, h))
	if err != nil {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	w.manifest.Files[name] = FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n, Type: typ}
	return nil
}

// addDir adds every regular file under dir. A missing dir is skipped.
func (w *writer) addDir(dir, prefix, typ string) error {
	if dir == "" {
		return nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return w.addFile(path, prefix+"/"+filepath.ToSlash(rel), typ)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
