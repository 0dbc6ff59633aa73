package server

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TextFiles holds cached text file contents served at connection
// lifecycle points.
type TextFiles struct {
	mu      sync.RWMutex
	dir     string
	Connect string // connect.txt, welcome screen
	Motd    string // motd.txt, post-login MOTD
	Quit    string // quit.txt, quit message
	NewUser string // newuser.txt, new character message
	Help    *HelpFile
}

var trackedFiles = map[string]bool{
	"connect.txt": true,
	"motd.txt":    true,
	"quit.txt":    true,
	"newuser.txt": true,
	"help.txt":    true,
}

func (tf *TextFiles) GetConnect() string { tf.mu.RLock(); defer tf.mu.RUnlock(); return tf.Connect }
func (tf *TextFiles) GetMotd() string    { tf.mu.RLock(); defer tf.mu.RUnlock(); return tf.Motd }
func (tf *TextFiles) GetQuit() string    { tf.mu.RLock(); defer tf.mu.RUnlock(); return tf.Quit }
func (tf *TextFiles) GetNewUser() string { tf.mu.RLock(); defer tf.mu.RUnlock(); return tf.NewUser }

// GetHelp returns the help file, or nil when none is loaded.
func (tf *TextFiles) GetHelp() *HelpFile {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.Help
}

// loadFile reads a single text file, returning empty string on any error.
func loadFile(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

// LoadTextFiles reads text files from dir. Missing files are empty. An
// empty dir yields an empty TextFiles.
func LoadTextFiles(dir string) *TextFiles {
	tf := &TextFiles{dir: dir}
	if dir != "" {
		tf.Reload()
	}
	return tf
}

// Reload rereads every file and returns how many were non-empty.
func (tf *TextFiles) Reload() int {
	connect := loadFile(tf.dir, "connect.txt")
	motd := loadFile(tf.dir, "motd.txt")
	quit := loadFile(tf.dir, "quit.txt")
	newUser := loadFile(tf.dir, "newuser.txt")
	help := LoadHelpFile(filepath.Join(tf.dir, "help.txt"))

	tf.mu.Lock()
	tf.Connect, tf.Motd, tf.Quit, tf.NewUser, tf.Help = connect, motd, quit, newUser, help
	tf.mu.Unlock()

	count := 0
	for _, v := range []string{connect, motd, quit, newUser} {
		if v != "" {
			count++
		}
	}
	if help != nil {
		count++
	}
	log.Printf("Loaded %d text files from %s", count, tf.dir)
	return count
}

// Watch reloads the cache when a tracked file changes, until ctx is done.
func (tf *TextFiles) Watch(ctx context.Context) error {
	if tf.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(tf.dir); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !trackedFiles[filepath.Base(event.Name)] {
					continue
				}
				log.Printf("Text file changed: %s", filepath.Base(event.Name))
				tf.Reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Text file watcher error: %v", err)
			}
		}
	}()
	log.Printf("Watching text directory for changes: %s", tf.dir)
	return nil
}
