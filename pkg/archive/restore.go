package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

// RestoreParams names where each part of an archive goes. Empty
// destinations skip that part.
type RestoreParams struct {
	ArchivePath string
	BoltDest    string
	HistoryDest string
	CmdSetDest  string
	TextDest    string
	ConfDest    string
	// OverwriteConf replaces an existing config file. Otherwise a differing
	// config is left alone and reported in Warnings.
	OverwriteConf bool
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	Manifest      Manifest
	FilesRestored int
	Warnings      []string
}

// Restore verifies every member against the manifest and only then copies
// them into place. A corrupt archive changes nothing on disk.
func Restore(p RestoreParams) (*RestoreResult, error) {
	tmpDir, err := os.MkdirTemp("", "cmdhost-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extract(p.ArchivePath, tmpDir); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(tmpDir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("restore: %s not found in archive", ManifestName)
	}
	res := &RestoreResult{}
	if err := json.Unmarshal(data, &res.Manifest); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}
	for name, entry := range res.Manifest.Files {
		sum, err := fileSHA256(filepath.Join(tmpDir, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", name, err)
		}
		if sum != entry.SHA256 {
			return nil, fmt.Errorf("restore: checksum mismatch for %s", name)
		}
	}

	single := func(member, dest string) error {
		src := filepath.Join(tmpDir, filepath.FromSlash(member))
		if dest == "" {
			return nil
		}
		if _, err := os.Stat(src); err != nil {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := copyFile(src, dest); err != nil {
			return fmt.Errorf("restore: copy %s: %w", member, err)
		}
		res.FilesRestored++
		return nil
	}
	tree := func(member, dest string) error {
		src := filepath.Join(tmpDir, member)
		if dest == "" {
			return nil
		}
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			return nil
		}
		n, err := copyDir(src, dest)
		res.FilesRestored += n
		if err != nil {
			return fmt.Errorf("restore: copy %s: %w", member, err)
		}
		return nil
	}

	if err := single("data/world.bolt", p.BoltDest); err != nil {
		return nil, err
	}
	if err := single("data/history.db", p.HistoryDest); err != nil {
		return nil, err
	}
	if err := tree("cmdsets", p.CmdSetDest); err != nil {
		return nil, err
	}
	if err := tree("text", p.TextDest); err != nil {
		return nil, err
	}

	if p.ConfDest != "" {
		src := filepath.Join(tmpDir, "conf", filepath.Base(p.ConfDest))
		archived, err := os.ReadFile(src)
		switch {
		case err != nil:
		case p.OverwriteConf:
			if err := single("conf/"+filepath.Base(p.ConfDest), p.ConfDest); err != nil {
				return nil, err
			}
		default:
			current, cerr := os.ReadFile(p.ConfDest)
			switch {
			case errors.Is(cerr, os.ErrNotExist):
				if err := single("conf/"+filepath.Base(p.ConfDest), p.ConfDest); err != nil {
					return nil, err
				}
			case cerr != nil:
				res.Warnings = append(res.Warnings, fmt.Sprintf("reading %s: %v", p.ConfDest, cerr))
			case string(current) != string(archived):
				res.Warnings = append(res.Warnings, fmt.Sprintf("kept current config %s; the archived one differs", p.ConfDest))
			}
		}
	}
	return res, nil
}

// extract unpacks a .tar.gz into destDir, refusing members that would land
// outside it.
func extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if rel, err := filepath.Rel(destDir, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("invalid archive entry: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyDir copies every file under src into dst and returns the count.
func copyDir(src, dst string) (int, error) {
	count := 0
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := copyFile(path, dest); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}
