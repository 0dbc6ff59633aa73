package cmdset

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SetDef is the YAML form of a command set.
type SetDef struct {
	Key             string       `yaml:"key"`
	Priority        int          `yaml:"priority"`
	Merge           string       `yaml:"merge"`
	AllowDuplicates bool         `yaml:"allow_duplicates"`
	Filter          string       `yaml:"filter"`
	Commands        []CommandDef `yaml:"commands"`
}

// CommandDef is the YAML form of a command.
type CommandDef struct {
	Name      string   `yaml:"name"`
	Aliases   []string `yaml:"aliases"`
	Lock      string   `yaml:"lock"`
	Category  string   `yaml:"category"`
	Hidden    bool     `yaml:"hidden"`
	Usage     string   `yaml:"usage"`
	Parser    string   `yaml:"parser"`
	Separator string   `yaml:"separator"`
	Handler   string   `yaml:"handler"`
	Text      string   `yaml:"text"`
}

type defsFile struct {
	Sets []SetDef `yaml:"sets"`
}

// HandlerRegistry maps handler names used in definitions to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any earlier binding.
func (r *HandlerRegistry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[strings.ToLower(name)] = h
	r.mu.Unlock()
}

// Get looks up a handler by name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(name)]
	return h, ok
}

// Names lists registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseDefs decodes a YAML document of set definitions.
func ParseDefs(data []byte) ([]SetDef, error) {
	var f defsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing cmdset definitions: %w", err)
	}
	return f.Sets, nil
}

// Build resolves a definition into a Set.
func (d SetDef) Build(handlers *HandlerRegistry) (*Set, error) {
	if strings.TrimSpace(d.Key) == "" {
		return nil, fmt.Errorf("cmdset definition without key")
	}
	merge, err := ParseMergeOp(d.Merge)
	if err != nil {
		return nil, fmt.Errorf("cmdset %s: %w", d.Key, err)
	}
	filter, err := ParseSourceFilter(d.Filter)
	if err != nil {
		return nil, fmt.Errorf("cmdset %s: %w", d.Key, err)
	}
	cmds := make([]*Command, 0, len(d.Commands))
	for _, cd := range d.Commands {
		c, err := cd.build(merge, handlers)
		if err != nil {
			return nil, fmt.Errorf("cmdset %s: %w", d.Key, err)
		}
		cmds = append(cmds, c)
	}
	s, err := NewSet(d.Key, d.Priority, merge, cmds...)
	if err != nil {
		return nil, err
	}
	s.AllowDuplicates = d.AllowDuplicates
	s.Filter = filter
	return s, nil
}

func (cd CommandDef) build(merge MergeOp, handlers *HandlerRegistry) (*Command, error) {
	c := &Command{
		Name:     cd.Name,
		Aliases:  cd.Aliases,
		Lock:     cd.Lock,
		Category: cd.Category,
		Hidden:   cd.Hidden,
		Usage:    cd.Usage,
		Text:     cd.Text,
	}
	switch strings.ToLower(cd.Parser) {
	case "", "raw":
		c.Parser = RawArgs{}
	case "shell":
		c.Parser = ShellArgs{Usage: cd.Usage}
	case "switches":
		c.Parser = SwitchArgs{Usage: cd.Usage}
	default:
		return nil, fmt.Errorf("command %s: unknown parser %q", cd.Name, cd.Parser)
	}
	if cd.Separator != "" {
		re, err := regexp.Compile(cd.Separator)
		if err != nil {
			return nil, fmt.Errorf("command %s: bad separator: %w", cd.Name, err)
		}
		c.Separator = re
	}
	// Remove sets only name tokens; their commands never run.
	if cd.Handler == "" && merge == Remove {
		return c, nil
	}
	h, ok := handlers.Get(cd.Handler)
	if !ok {
		return nil, fmt.Errorf("command %s: unknown handler %q", cd.Name, cd.Handler)
	}
	c.Handler = h
	return c, nil
}

// Library holds set templates by key, loaded from definition files.
type Library struct {
	mu       sync.RWMutex
	handlers *HandlerRegistry
	sets     map[string]*Set
	origin   map[string]string // key -> file
}

// NewLibrary creates an empty library resolving handlers from handlers.
func NewLibrary(handlers *HandlerRegistry) *Library {
	return &Library{
		handlers: handlers,
		sets:     make(map[string]*Set),
		origin:   make(map[string]string),
	}
}

// Add registers a set built in code.
func (l *Library) Add(s *Set) {
	l.mu.Lock()
	l.sets[strings.ToLower(s.Key)] = s
	l.mu.Unlock()
}

// Get returns the template for key.
func (l *Library) Get(key string) (*Set, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sets[strings.ToLower(key)]
	return s, ok
}

// Keys lists every known set key, sorted.
func (l *Library) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.sets))
	for k := range l.sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadFile parses and builds every set in path. Either all sets in the file
// are installed or none are.
func (l *Library) LoadFile(path string) ([]*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := ParseDefs(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	built := make([]*Set, 0, len(defs))
	for _, d := range defs {
		s, err := d.Build(l.handlers)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		built = append(built, s)
	}
	l.mu.Lock()
	for _, s := range built {
		k := strings.ToLower(s.Key)
		l.sets[k] = s
		l.origin[k] = path
	}
	l.mu.Unlock()
	return built, nil
}

// LoadDir loads every *.yaml and *.yml file in dir. A missing directory is
// not an error.
func (l *Library) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !isDefsFile(e.Name()) {
			continue
		}
		sets, err := l.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}
		n += len(sets)
	}
	log.Printf("Loaded %d cmdset definitions from %s", n, dir)
	return n, nil
}

func isDefsFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads changed definition files in dir until ctx is done. Every
// successfully reloaded set is passed to onReload so live attachments can
// be rebound.
func (l *Library) Watch(ctx context.Context, dir string, onReload func(*Set)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cmdset watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("cmdset watcher: %w", err)
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
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isDefsFile(event.Name) {
					continue
				}
				sets, err := l.LoadFile(event.Name)
				if err != nil {
					log.Printf("cmdset reload %s: %v", filepath.Base(event.Name), err)
					continue
				}
				for _, s := range sets {
					if onReload != nil {
						onReload(s)
					}
				}
				log.Printf("cmdset reload %s: %d sets", filepath.Base(event.Name), len(sets))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("cmdset watcher error: %v", err)
			}
		}
	}()
	return nil
}
