package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/pkg/models"
	_ "modernc.org/sqlite"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	path            TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	agents_assigned TEXT NOT NULL DEFAULT '[]',
	tags            TEXT NOT NULL DEFAULT '[]',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	last_activity   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
`

// RegistryStore persists project records.
type RegistryStore interface {
	Insert(ctx context.Context, p *models.Project) error
	Get(ctx context.Context, id string) (*models.Project, error)
	GetByPath(ctx context.Context, path string) (*models.Project, error)
	List(ctx context.Context) ([]*models.Project, error)
	// Update applies fn to the stored project and writes the result back
	// inside one write transaction, so concurrent updates never overwrite
	// each other. An error from fn aborts the update.
	Update(ctx context.Context, id string, fn func(p *models.Project) error) (*models.Project, error)
	Close() error
}

type sqliteRegistryStore struct {
	db *sql.DB
}

// OpenRegistryStore opens (and migrates) the SQLite registry at path.
func OpenRegistryStore(ctx context.Context, path string) (RegistryStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	// One connection: SQLite serialises writers anyway, and :memory:
	// databases are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring registry (%s): %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating registry: %w", err)
	}
	return &sqliteRegistryStore{db: db}, nil
}

func (s *sqliteRegistryStore) Close() error {
	return s.db.Close()
}

// immediate runs fn on a dedicated connection inside BEGIN IMMEDIATE, so
// the write lock is held from the first read. Other processes wait up to
// busy_timeout.
func (s *sqliteRegistryStore) immediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring registry connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("starting registry transaction: %w", err)
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		return fmt.Errorf("committing registry transaction: %w", err)
	}
	return nil
}

func (s *sqliteRegistryStore) Insert(ctx context.Context, p *models.Project) error {
	return s.immediate(ctx, func(conn *sql.Conn) error {
		var existing string
		err := conn.QueryRowContext(ctx, `SELECT id FROM projects WHERE path = ?`, p.Path).Scan(&existing)
		switch {
		case err == nil:
			return errors.E(errors.ErrDuplicatePath, "register", p.Path, "path already registered as %s", existing)
		case err != sql.ErrNoRows:
			return fmt.Errorf("checking project path: %w", err)
		}

		agents, tags, metadata, err := encodeProjectColumns(p)
		if err != nil {
			return err
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO projects (id, name, path, status, priority, agents_assigned, tags, metadata, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Path, string(p.Status), p.Priority, agents, tags, metadata,
			formatTime(p.CreatedAt), formatTime(p.LastActivity),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed: projects.path") {
				return errors.E(errors.ErrDuplicatePath, "register", p.Path, "")
			}
			return fmt.Errorf("inserting project: %w", err)
		}
		return nil
	})
}

const projectColumns = `id, name, path, status, priority, agents_assigned, tags, metadata, created_at, last_activity`

func (s *sqliteRegistryStore) Get(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting project %s: %w", id, err)
	}
	return p, nil
}

func (s *sqliteRegistryStore) GetByPath(ctx context.Context, path string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE path = ?`, path)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("project", path)
	}
	if err != nil {
		return nil, fmt.Errorf("getting project by path %s: %w", path, err)
	}
	return p, nil
}

// List returns every project, most important first and, within a
// priority, most recently active first.
func (s *sqliteRegistryStore) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY priority ASC, last_activity DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating projects: %w", err)
	}
	return projects, nil
}

func (s *sqliteRegistryStore) Update(ctx context.Context, id string, fn func(p *models.Project) error) (*models.Project, error) {
	var out *models.Project
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
		p, err := scanProject(row)
		if err == sql.ErrNoRows {
			return errors.NotFound("project", id)
		}
		if err != nil {
			return fmt.Errorf("getting project %s: %w", id, err)
		}
		if err := fn(p); err != nil {
			return err
		}

		agents, tags, metadata, err := encodeProjectColumns(p)
		if err != nil {
			return err
		}
		_, err = conn.ExecContext(ctx, `
			UPDATE projects
			SET name = ?, status = ?, priority = ?, agents_assigned = ?, tags = ?, metadata = ?, last_activity = ?
			WHERE id = ?`,
			p.Name, string(p.Status), p.Priority, agents, tags, metadata, formatTime(p.LastActivity), id,
		)
		if err != nil {
			return fmt.Errorf("saving project %s: %w", id, err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p                       models.Project
		status                  string
		agents, tags, metadata  string
		createdAt, lastActivity string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &status, &p.Priority,
		&agents, &tags, &metadata, &createdAt, &lastActivity); err != nil {
		return nil, err
	}
	p.Status = models.ProjectStatus(status)
	if err := json.Unmarshal([]byte(agents), &p.AgentsAssigned); err != nil {
		return nil, fmt.Errorf("decoding agents of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of %s: %w", p.ID, err)
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at of %s: %w", p.ID, err)
	}
	if p.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return nil, fmt.Errorf("decoding last_activity of %s: %w", p.ID, err)
	}
	return &p, nil
}

func encodeProjectColumns(p *models.Project) (agents, tags, metadata string, err error) {
	enc := func(v any, empty string) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		if string(b) == "null" {
			return empty, nil
		}
		return string(b), nil
	}
	if agents, err = enc(p.AgentsAssigned, "[]"); err != nil {
		return "", "", "", fmt.Errorf("encoding agents: %w", err)
	}
	if tags, err = enc(p.Tags, "[]"); err != nil {
		return "", "", "", fmt.Errorf("encoding tags: %w", err)
	}
	if metadata, err = enc(p.Metadata, "{}"); err != nil {
		return "", "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	return agents, tags, metadata, nil
}

// formatTime stores UTC with a fixed-width fraction so text ordering in
// SQL matches chronological ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
