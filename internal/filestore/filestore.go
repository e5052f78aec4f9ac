package filestore

import (
	"context"
	"io"
)

// FileStore keeps attachment blobs by id and turns ids into URLs that
// messages can carry.
type FileStore interface {
	// Save stores the blob under the given id.
	// It is idempotent: if a blob with the same id already exists, it returns nil.
	Save(r io.Reader, id string) error

	// Open returns the blob content for the given id.
	Open(id string) (io.ReadCloser, error)

	// Resolve returns the public URL of an existing attachment.
	Resolve(ctx context.Context, id string) (string, error)
}
