package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictDetector(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := newTestDB(t)
	meta := NewMetaStore(db, testLogger(t))
	queue := NewMutationQueue(db, NewSyncMutex(), zeroDelayPolicy(3), testLogger(t))
	d := NewConflictDetector(meta, queue, testLogger(t))

	m, err := d.Check(ctx, "lib-1")
	require.NoError(t, err)
	assert.Nil(t, m, "first contact adopts the identity")

	stored, err := meta.LibraryIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lib-1", stored)

	m, err = d.Check(ctx, "lib-1")
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = d.Check(ctx, "lib-2")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, Mismatch{StoredIdentity: "lib-1", NewIdentity: "lib-2"}, *m)

	_, err = queue.Enqueue(ctx, renameBook("b1", "X"))
	require.NoError(t, err)

	m, err = d.Check(ctx, "lib-2")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.HasPendingChanges)

	stored, err = meta.LibraryIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lib-1", stored, "a mismatch never overwrites the stored identity")

	_, err = d.Check(ctx, "")
	assert.Error(t, err)
}
