package coerce

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnumTable declares one enum's member set and its synonym mappings.
// Tables are configuration data, not code: the matching heuristics in Enum
// stay fixed while the vocabulary they consult evolves per deployment.
type EnumTable struct {
	Members  []string          `yaml:"members"`
	Synonyms map[string]string `yaml:"synonyms"`
}

// Tables is a versioned set of enum tables keyed by enum name.
type Tables struct {
	Version int                  `yaml:"version"`
	Enums   map[string]EnumTable `yaml:"enums"`
}

// Lookup returns the table for name. ok is false when no table exists.
func (t *Tables) Lookup(name string) (EnumTable, bool) {
	if t == nil {
		return EnumTable{}, false
	}
	table, ok := t.Enums[name]
	return table, ok
}

// ParseTables reads a YAML table file. Members and synonym keys/values are
// uppercased so they compare directly against normalized enum input.
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse coercion tables: %w", err)
	}
	for name, table := range t.Enums {
		for i, m := range table.Members {
			table.Members[i] = strings.ToUpper(strings.TrimSpace(m))
		}
		upper := make(map[string]string, len(table.Synonyms))
		for k, v := range table.Synonyms {
			upper[strings.ToUpper(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
		}
		table.Synonyms = upper
		t.Enums[name] = table
	}
	return &t, nil
}

// LoadTables reads and parses a table file from disk.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read coercion tables: %w", err)
	}
	return ParseTables(data)
}

// TableProvider yields the current table set. Implementations may reload
// behind the caller's back; callers must not mutate the returned value.
type TableProvider interface {
	Current() *Tables
}

// StaticTables is a TableProvider that never changes.
type StaticTables struct {
	T *Tables
}

func (s StaticTables) Current() *Tables { return s.T }

// TableWatcher hot-reloads a table file on change. A reload that fails to
// parse keeps the previous tables and logs a warning; the normalizer never
// runs without a valid vocabulary.
type TableWatcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *Tables

	done chan struct{}
}

// NewTableWatcher loads path and begins watching it for changes.
func NewTableWatcher(path string, logger *zap.Logger) (*TableWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	initial, err := LoadTables(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &TableWatcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		current: initial,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid tables.
func (w *TableWatcher) Current() *Tables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching.
func (w *TableWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *TableWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("table watcher error", zap.Error(err))
		}
	}
}

func (w *TableWatcher) reload() {
	tables, err := LoadTables(w.path)
	if err != nil {
		w.logger.Warn("keeping previous coercion tables", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = tables
	w.mu.Unlock()

	w.logger.Info("reloaded coercion tables",
		zap.Int("version", tables.Version),
		zap.Int("previous_version", prev.Version),
		zap.Int("enums", len(tables.Enums)),
	)
}
