package storage

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"parley/internal/apperr"
	"parley/internal/models"
)

type DBAttachment struct {
	ID          string `msgpack:"id"`
	ContentType string `msgpack:"contentType"`
	Size        int64  `msgpack:"size"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

func (a *DBAttachment) Key() []byte {
	return []byte(a.ID)
}

func (a *DBAttachment) MarshalBinary() (data []byte, err error) {
	type alias DBAttachment
	return msgpack.Marshal((*alias)(a))
}

func (a *DBAttachment) UnmarshalBinary(data []byte) error {
	type alias DBAttachment
	return msgpack.Unmarshal(data, (*alias)(a))
}

func (a *DBAttachment) model() models.Attachment {
	return models.Attachment{
		ID:          a.ID,
		ContentType: a.ContentType,
		Size:        a.Size,
		CreatedAt:   fromUnixMilli(a.CreatedAt),
	}
}

// SaveAttachment records the metadata of an uploaded blob. The first record
// for an id is kept, like the blob itself.
func (s *BboltStorage) SaveAttachment(_ context.Context, meta models.Attachment) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		if b.Get([]byte(meta.ID)) != nil {
			return nil
		}
		rec := DBAttachment{
			ID:          meta.ID,
			ContentType: meta.ContentType,
			Size:        meta.Size,
			CreatedAt:   unixMilli(meta.CreatedAt),
		}
		if err := put(b, &rec); err != nil {
			return fmt.Errorf("failed to put attachment metadata: %w", err)
		}
		return nil
	})
}

func (s *BboltStorage) GetAttachment(_ context.Context, id string) (models.Attachment, error) {
	var rec DBAttachment
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAttachments).Get([]byte(id))
		if data == nil {
			return apperr.NotFound("attachment %s not found", id)
		}
		return rec.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Attachment{}, err
	}
	return rec.model(), nil
}
