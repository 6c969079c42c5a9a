package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/pkg/models"
	"gopkg.in/yaml.v3"
)

// ChecklistStore persists one project's checklist file. Reads return a
// fresh copy of the whole file; all writes go through Update.
type ChecklistStore interface {
	Path() string
	Read(ctx context.Context) (*models.Checklist, error)
	Update(ctx context.Context, fn func(*models.Checklist) error) (*models.Checklist, error)
	// OnCommit registers a hook run after each successful write while the
	// lock is still held. Hooks must not call back into the store.
	OnCommit(hook func(*models.Checklist))
}

type fileChecklistStore struct {
	path   string
	lock   LockOptions
	logger *logging.Logger
	now    func() time.Time
	hooks  []func(*models.Checklist)
}

// NewChecklistStore creates a ChecklistStore backed by the YAML file at
// path. The lock file lives next to it as <path>.lock.
func NewChecklistStore(path string, lock LockOptions, logger *logging.Logger) ChecklistStore {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &fileChecklistStore{
		path:   path,
		lock:   lock.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *fileChecklistStore) OnCommit(hook func(*models.Checklist)) {
	s.hooks = append(s.hooks, hook)
}

func (s *fileChecklistStore) Path() string {
	return s.path
}

// Read loads the checklist without taking the lock. Writers replace the
// file by rename, so a reader always sees one complete version.
// A missing file reads as an empty checklist.
func (s *fileChecklistStore) Read(_ context.Context) (*models.Checklist, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.Checklist{SchemaVersion: models.ChecklistSchemaVersion}, nil
		}
		return nil, fmt.Errorf("reading checklist %s: %w", s.path, err)
	}

	var cl models.Checklist
	if err := yaml.Unmarshal(data, &cl); err != nil {
		return nil, fmt.Errorf("parsing checklist %s: %w", s.path, err)
	}
	switch {
	case cl.SchemaVersion == 0:
		cl.SchemaVersion = 1
	case cl.SchemaVersion > models.ChecklistSchemaVersion:
		s.logger.Warn("checklist written by a newer schema, unknown fields ignored",
			"path", s.path, "schema_version", cl.SchemaVersion)
	}
	return &cl, nil
}

// Update runs fn against the freshly read checklist while holding the
// exclusive lock and commits the result with an atomic rename. If fn
// returns an error nothing is written.
func (s *fileChecklistStore) Update(ctx context.Context, fn func(*models.Checklist) error) (*models.Checklist, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return nil, fmt.Errorf("creating checklist directory: %w", err)
	}

	unlock, err := lockFile(ctx, s.path+".lock", s.lock)
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			s.logger.Warn("releasing checklist lock", "path", s.path, "error", uerr)
		}
	}()

	cl, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(cl); err != nil {
		return nil, err
	}

	now := s.now()
	if cl.CreatedAt.IsZero() {
		cl.CreatedAt = now
	}
	cl.UpdatedAt = now
	if cl.SchemaVersion < models.ChecklistSchemaVersion {
		cl.SchemaVersion = models.ChecklistSchemaVersion
	}

	if err := s.write(cl); err != nil {
		return nil, err
	}
	for _, hook := range s.hooks {
		hook(cl)
	}
	return cl, nil
}

func (s *fileChecklistStore) write(cl *models.Checklist) error {
	data, err := yaml.Marshal(cl)
	if err != nil {
		return fmt.Errorf("marshalling checklist: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checklist-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp checklist: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp checklist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp checklist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp checklist: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("setting checklist permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing checklist: %w", err)
	}
	committed = true
	return nil
}
