package core

import (
	"context"

	"github.com/valter-silva-au/agent-army/pkg/models"
)

// ChecklistFile is the persistence a ChecklistManager needs. It is
// satisfied by storage.ChecklistStore; defining it here keeps core free of
// the storage package.
type ChecklistFile interface {
	Path() string
	Read(ctx context.Context) (*models.Checklist, error)
	Update(ctx context.Context, fn func(*models.Checklist) error) (*models.Checklist, error)
	OnCommit(hook func(*models.Checklist))
}

// MessageStore is the append-only log behind the MessageBus.
// It is satisfied by storage.MessageLog.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	ReadFrom(ctx context.Context, offset int, fn func(offset int, msg *models.Message) error) (next int, err error)
	MarkConsumed(ctx context.Context, c models.Consumption) error
	Consumed(ctx context.Context, subscriber string) (map[string]bool, error)
}

// ProjectStore persists registry records. It is satisfied by
// storage.RegistryStore.
type ProjectStore interface {
	Insert(ctx context.Context, p *models.Project) error
	Get(ctx context.Context, id string) (*models.Project, error)
	GetByPath(ctx context.Context, path string) (*models.Project, error)
	List(ctx context.Context) ([]*models.Project, error)
	Update(ctx context.Context, id string, fn func(p *models.Project) error) (*models.Project, error)
}

// ChecklistOpener builds the ChecklistManager for a project directory.
// The registry and the queue use it to reach a project's tasks.
type ChecklistOpener func(project *models.Project) ChecklistManager
