package world

import "context"

// Store persists world and link records. Every method either fully applies or
// leaves the previous durable state in place, and reports failures as
// *StorageError. Callers persist before committing in-memory state.
type Store interface {
	// Load returns every persisted world and link.
	Load(ctx context.Context) ([]World, []Link, error)
	// PersistWorld inserts or replaces the record for w.ID.
	PersistWorld(ctx context.Context, w World) error
	// DeleteWorldRecord removes the record for id. Missing records are not an error.
	DeleteWorldRecord(ctx context.Context, id string) error
	// PersistLink inserts or replaces the record for l.ID.
	PersistLink(ctx context.Context, l Link) error
	// DeleteLink removes the record for id. Missing records are not an error.
	DeleteLink(ctx context.Context, id LinkID) error
	// Close releases backend resources.
	Close() error
}
