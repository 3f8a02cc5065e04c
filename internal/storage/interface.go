package storage

import "context"

// StorageInterface defines the contract for storage operations.
// Exports, generated reports and dead letters are written through it.
type StorageInterface interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}
