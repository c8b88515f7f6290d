package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/syncthing/notify"
	"gopkg.in/yaml.v3"
)

const TIMEOUT = 10 * time.Second

// DefinitionFile is the YAML layout of a datasource definition file.
type DefinitionFile struct {
	// Database applies to every datasource in the file that does not
	// declare its own.
	Database    *Database    `yaml:"database,omitempty"`
	Datasources []Datasource `yaml:"datasources"`
	Polygons    []GeoPolygon `yaml:"polygons,omitempty"`
}

func IsDefinitionFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".yaml" || ext == ".yml"
}

func ParseDefinitions(content []byte) ([]Datasource, error) {
	f, err := parseDefinitionFile(content)
	if err != nil {
		return nil, err
	}
	return f.Datasources, nil
}

func parseDefinitionFile(content []byte) (*DefinitionFile, error) {
	var f DefinitionFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("error parsing definitions: %w", err)
	}
	for i := range f.Polygons {
		if err := f.Polygons[i].Validate(); err != nil {
			return nil, err
		}
	}
	for i := range f.Datasources {
		ds := &f.Datasources[i]
		if ds.Database.Engine == "" && ds.Database.Name == "" && f.Database != nil {
			ds.Database = *f.Database
		}
		if ds.ID == "" {
			ds.ID = ds.TableName
		}
		if err := ds.Validate(); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// LoadFile replaces all datasources and polygon sets previously loaded from
// p with its current content. It returns the number of datasources loaded.
func LoadFile(ctx context.Context, store *Store, p string) (int, error) {
	content, err := os.ReadFile(p)
	if err != nil {
		return 0, fmt.Errorf("error reading %s: %w", p, err)
	}
	f, err := parseDefinitionFile(content)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", p, err)
	}
	if err := store.DeleteBySource(ctx, p); err != nil {
		return 0, err
	}
	for i := range f.Polygons {
		if err := store.SavePolygon(ctx, &f.Polygons[i], p); err != nil {
			return 0, err
		}
	}
	for i := range f.Datasources {
		if err := store.Save(ctx, &f.Datasources[i], p); err != nil {
			return i, err
		}
	}
	return len(f.Datasources), nil
}

// LoadDir loads every definition file below dir.
func LoadDir(ctx context.Context, store *Store, dir string, logger *slog.Logger) (int, error) {
	total := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsDefinitionFile(p) {
			return nil
		}
		n, err := LoadFile(ctx, store, p)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "Loaded datasource definitions", slog.String("file", p), slog.Int("count", n))
		total += n
		return nil
	})
	return total, err
}

type Watcher struct {
	c      chan notify.EventInfo
	logger *slog.Logger
	store  *Store
}

// Watch reloads definition files below dir whenever they change.
func Watch(dir string, store *Store, logger *slog.Logger) (*Watcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	// Notify drops events if the receiver can't keep up, so keep a buffer.
	c := make(chan notify.EventInfo, 16)
	if err := notify.Watch(path.Join(absDir, "..."), c, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return nil, err
	}
	w := &Watcher{c: c, logger: logger, store: store}
	go w.loop()
	logger.Info("Watching datasource definitions", slog.String("dir", absDir))
	return w, nil
}

func (w *Watcher) loop() {
	for ei := range w.c {
		p := ei.Path()
		if !IsDefinitionFile(p) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), TIMEOUT)
		switch ei.Event() {
		case notify.Remove, notify.Rename:
			if _, err := os.Stat(p); err == nil {
				w.reload(ctx, p)
				break
			}
			if err := w.store.DeleteBySource(ctx, p); err != nil {
				w.logger.ErrorContext(ctx, "Failed removing datasources of deleted file", slog.String("file", p), slog.Any("error", err))
			} else {
				w.logger.InfoContext(ctx, "Removed datasources of deleted file", slog.String("file", p))
			}
		default:
			w.reload(ctx, p)
		}
		cancel()
	}
}

func (w *Watcher) reload(ctx context.Context, p string) {
	n, err := LoadFile(ctx, w.store, p)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed reloading datasource definitions", slog.String("file", p), slog.Any("error", err))
		return
	}
	w.logger.InfoContext(ctx, "Reloaded datasource definitions", slog.String("file", p), slog.Int("count", n))
}

func (w *Watcher) Stop() {
	notify.Stop(w.c)
	close(w.c)
}
