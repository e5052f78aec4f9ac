package filestore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/apperr"
)

func TestLocalFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalFileStore(t.TempDir(), "http://localhost:8080/")
	require.NoError(t, err)

	require.NoError(t, store.Save(strings.NewReader("first"), "abc123"))
	// Second save of the same id keeps the original content.
	require.NoError(t, store.Save(strings.NewReader("second"), "abc123"))

	rc, err := store.Open("abc123")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	u, err := store.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/abc123", u)

	t.Run("unknown attachment", func(t *testing.T) {
		_, err := store.Resolve(ctx, "missing")
		assert.True(t, errors.Is(err, apperr.ErrValidation))

		_, err = store.Open("missing")
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("path traversal", func(t *testing.T) {
		err := store.Save(strings.NewReader("x"), "../escape")
		assert.True(t, errors.Is(err, apperr.ErrValidation))

		_, err = store.Resolve(ctx, "../escape")
		assert.True(t, errors.Is(err, apperr.ErrValidation))
	})
}
