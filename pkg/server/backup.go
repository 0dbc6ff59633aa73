package server

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/crystal-mush/cmdhost/pkg/archive"
	"github.com/crystal-mush/cmdhost/pkg/cmdset"
)

var backupMu sync.Mutex

// Backup writes an archive of the world, history, command-set definitions,
// text files and config into backup_dir, then prunes to backup_keep.
func (g *Game) Backup() (string, error) {
	if g.Conf.BackupDir == "" {
		return "", fmt.Errorf("backups are disabled")
	}
	backupMu.Lock()
	defer backupMu.Unlock()

	p := archive.Params{
		Snapshot:  g.Store.Backup,
		CmdSetDir: g.Conf.Path(g.Conf.CmdSetDir),
		TextDir:   g.Conf.Path(g.Conf.TextDir),
		ConfPath:  g.Conf.Source,
		Dir:       g.Conf.Path(g.Conf.BackupDir),
		Name:      g.Conf.Name,
		Objects:   g.DB.Len(),
	}
	if g.History != nil {
		p.HistoryPath = g.History.Path()
		p.HistoryCheckpoint = g.History.Checkpoint
	}
	path, err := archive.Create(p)
	if err != nil {
		return "", err
	}
	log.Printf("backup: wrote %s", path)
	if n, err := archive.Prune(p.Dir, g.Conf.BackupKeep); err != nil {
		log.Printf("backup prune: %v", err)
	} else if n > 0 {
		DebugLog("backup: pruned %d old archives", n)
	}
	return path, nil
}

// backupLoop takes a backup every backup_interval hours until ctx is done.
func (g *Game) backupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(g.Conf.BackupInterval) * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Backup(); err != nil {
				log.Printf("backup: %v", err)
			}
		}
	}
}

func cmdBackup(e *Env, inv *cmdset.Invocation) error {
	if switchArgs(inv).Has("list") {
		all, err := archive.List(e.Game.Conf.Path(e.Game.Conf.BackupDir))
		if err != nil {
			return err
		}
		if len(all) == 0 {
			inv.Send("No backups.")
			return nil
		}
		rows := make([][]any, 0, len(all))
		for _, ai := range all {
			rows = append(rows, []any{ai.Filename, ai.Timestamp, fmt.Sprintf("%dK", (ai.Size+1023)/1024), ai.Objects})
		}
		inv.Send(renderTable([]any{"File", "Taken", "Size", "Objects"}, rows))
		inv.Send(plural.Pluralize("backup", len(all), true) + ".")
		return nil
	}
	inv.Send("Backing up...")
	path, err := e.Game.Backup()
	if err != nil {
		inv.Send(fmt.Sprintf("Backup failed: %v", err))
		return nil
	}
	inv.Send(fmt.Sprintf("Backup written to %s.", path))
	return nil
}

// RestoreBackup unpacks an archive over the state gc points at. The world
// must not be open. "latest" picks the newest archive in backup_dir.
func RestoreBackup(gc *GameConf, archivePath string, overwriteConf bool) (*archive.RestoreResult, error) {
	if archivePath == "latest" {
		all, err := archive.List(gc.Path(gc.BackupDir))
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, fmt.Errorf("no backups in %s", gc.Path(gc.BackupDir))
		}
		archivePath = all[0].Path
	}
	p := archive.RestoreParams{
		ArchivePath:   archivePath,
		BoltDest:      gc.Path(gc.BoltPath),
		CmdSetDest:    gc.Path(gc.CmdSetDir),
		TextDest:      gc.Path(gc.TextDir),
		ConfDest:      gc.Source,
		OverwriteConf: overwriteConf,
	}
	if gc.SQLPath != "" {
		p.HistoryDest = gc.Path(gc.SQLPath)
	}
	res, err := archive.Restore(p)
	if err != nil {
		return nil, err
	}
	log.Printf("restore: %s (%s, %d objects) restored %d files", filepath.Base(archivePath), res.Manifest.Timestamp, res.Manifest.Objects, res.FilesRestored)
	for _, w := range res.Warnings {
		log.Printf("restore: %s", w)
	}
	return res, nil
}
