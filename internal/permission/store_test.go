package permission

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantStore_MaterializesWrappedKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestGrantStore(t)
	photos := newTarget()
	c := putCircle(t, s, "friends", PermissionedDrive{Drive: photos, Permission: PermissionRead})

	token, err := s.Connect(ctx, sam, []uuid.UUID{c.ID}, fixedKeys{})
	require.NoError(t, err)

	conn, err := s.Connection(ctx, sam)
	require.NoError(t, err)
	require.True(t, conn.Active())
	require.Len(t, conn.CircleGrants, 1)
	require.Len(t, conn.CircleGrants[0].DriveGrants, 1)

	key, err := conn.CircleGrants[0].DriveGrants[0].StorageKey(token)
	require.NoError(t, err)

	want, _ := fixedKeys{}.DriveKey(photos.DriveID())
	assert.Equal(t, want, key)
}

func TestGrantStore_CircleEditsDoNotRewriteGrants(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestGrantStore(t)
	photos := newTarget()
	c := putCircle(t, s, "friends", PermissionedDrive{Drive: photos, Permission: PermissionRead})

	_, err := s.Connect(ctx, sam, []uuid.UUID{c.ID}, fixedKeys{})
	require.NoError(t, err)

	c.DriveGrants[0].Permission = PermissionAll
	require.NoError(t, s.PutCircle(ctx, c))

	conn, err := s.Connection(ctx, sam)
	require.NoError(t, err)
	assert.Equal(t, PermissionRead, conn.CircleGrants[0].DriveGrants[0].PermissionedDrive.Permission)

	byName, err := s.CircleByName(ctx, "friends")
	require.NoError(t, err)
	assert.Equal(t, PermissionAll, byName.DriveGrants[0].Permission)

	all, err := s.Circles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGrantStore_OutboundToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestGrantStore(t)

	_, err := s.OutboundToken(ctx, sam)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Connect(ctx, sam, nil, fixedKeys{})
	require.NoError(t, err)

	_, err = s.OutboundToken(ctx, sam)
	require.ErrorIs(t, err, ErrNotFound)

	issued, err := NewClientAuthToken()
	require.NoError(t, err)
	require.NoError(t, s.SetOutboundToken(ctx, sam, issued))

	got, err := s.OutboundToken(ctx, sam)
	require.NoError(t, err)
	assert.Equal(t, issued, got)
}

func TestGrantStore_NotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestGrantStore(t)

	_, err := s.Connection(ctx, sam)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Circle(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.Revoke(ctx, sam), ErrNotFound)
	require.ErrorIs(t, s.SetCircleDisabled(ctx, uuid.New(), true), ErrNotFound)

	_, err = s.Connect(ctx, sam, []uuid.UUID{uuid.New()}, fixedKeys{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGrantStore_Disconnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestGrantStore(t)
	c := putCircle(t, s, "friends", PermissionedDrive{Drive: newTarget(), Permission: PermissionRead})

	_, err := s.Connect(ctx, sam, []uuid.UUID{c.ID}, fixedKeys{})
	require.NoError(t, err)

	ids, err := s.Connections(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.NoError(t, s.Disconnect(ctx, sam))

	_, err = s.Connection(ctx, sam)
	require.ErrorIs(t, err, ErrNotFound)
}
