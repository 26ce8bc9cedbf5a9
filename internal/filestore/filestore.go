// Package filestore is the synced file descriptor table: the terminal
// destination of both the full-sync and incremental-sync handlers. Upsert
// by provider file id is idempotent and last-write-wins on every field.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrInvalidInput = errors.New("filestore: invalid input")

// Descriptor is a synced file record, keyed by the provider's own file id.
type Descriptor struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	MimeType     string          `json:"mimeType"`
	Size         int64           `json:"size"`
	ParentID     string          `json:"parentId"`
	ModifiedTime time.Time       `json:"modifiedTime"`
	CreatedTime  time.Time       `json:"createdTime"`
	MD5Checksum  string          `json:"md5Checksum"`
	SyncedAt     time.Time       `json:"syncedAt"`
	RawMetadata  json.RawMessage `json:"rawMetadata,omitempty"`
}

// Store is the durable file descriptor table, indexed by parent id.
type Store interface {
	Upsert(ctx context.Context, d Descriptor) error
	FindByID(ctx context.Context, id string) (Descriptor, error)
	FindByParentID(ctx context.Context, parentID string, limit int) ([]Descriptor, error)
	Count(ctx context.Context) (int, error)
	ListAll(ctx context.Context) ([]Descriptor, error)

	// Delete removes a descriptor row. It backs the DeleteOnRemoved
	// configuration option on the incremental-sync handler (see the design
	// note on incremental deletion): the conservative default never calls
	// it, but an operator may opt in to purging rows on a provider removal.
	Delete(ctx context.Context, id string) error
}

var ErrNotFound = errors.New("filestore: not found")
