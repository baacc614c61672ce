package permission

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrivePermission_Has(t *testing.T) {
	t.Parallel()

	assert.True(t, PermissionReadWrite.Has(PermissionRead))
	assert.True(t, PermissionReadWrite.Has(PermissionReadWrite))
	assert.False(t, PermissionRead.Has(PermissionWrite))
	assert.False(t, PermissionAll.Has(PermissionNone), "requiring nothing grants nothing")
	assert.Equal(t, PermissionReadWrite, PermissionRead.Union(PermissionWrite))
}

func TestDrivePermission_StringParse(t *testing.T) {
	t.Parallel()

	for _, p := range []DrivePermission{PermissionNone, PermissionRead, PermissionReadWrite, PermissionAll} {
		parsed, err := ParseDrivePermission(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	_, err := ParseDrivePermission("read,fly")
	require.Error(t, err)
}

func TestParsePermissionKey(t *testing.T) {
	t.Parallel()

	k, err := ParsePermissionKey("Send-On-My-Behalf")
	require.NoError(t, err)
	assert.Equal(t, KeySendDataToOtherIdentitiesOnMyBehalf, k)

	k, err = ParsePermissionKey(KeyReadMyFollowers.String())
	require.NoError(t, err)
	assert.Equal(t, KeyReadMyFollowers, k)

	k, err = ParsePermissionKey("999")
	require.NoError(t, err)
	assert.Equal(t, "key-999", k.String())

	_, err = ParsePermissionKey("fly")
	require.Error(t, err)
}

func TestPermissionSet(t *testing.T) {
	t.Parallel()

	a := NewPermissionSet(KeyReadMyFollowers, KeyReadConnections, KeyReadConnections)
	assert.Equal(t, []PermissionKey{KeyReadConnections, KeyReadMyFollowers}, a.Keys)
	assert.True(t, a.Has(KeyReadConnections))
	assert.False(t, a.Has(KeyReadWhoIFollow))

	u := a.Union(NewPermissionSet(KeyReadWhoIFollow))
	assert.True(t, u.Has(KeyReadWhoIFollow))
	assert.Len(t, u.Keys, 3)
}

func TestClientAuthTokenRoundTrip(t *testing.T) {
	t.Parallel()

	tok, err := NewClientAuthToken()
	require.NoError(t, err)

	parsed, err := ParseClientAuthToken(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)

	_, err = ParseClientAuthToken("c2hvcnQ")
	require.Error(t, err)
}

func TestWrapStorageKey(t *testing.T) {
	t.Parallel()

	tok, err := NewClientAuthToken()
	require.NoError(t, err)

	driveID := uuid.New()
	storageKey := []byte("0123456789abcdef0123456789abcdef")

	wrapped, err := WrapStorageKey(tok.SharedSecret, storageKey, driveID)
	require.NoError(t, err)
	assert.NotContains(t, string(wrapped), string(storageKey))

	got, err := UnwrapStorageKey(tok.SharedSecret, wrapped, driveID)
	require.NoError(t, err)
	assert.Equal(t, storageKey, got)

	_, err = UnwrapStorageKey(tok.SharedSecret, wrapped, uuid.New())
	require.Error(t, err, "bound to the drive id")

	other, err := NewClientAuthToken()
	require.NoError(t, err)

	_, err = UnwrapStorageKey(other.SharedSecret, wrapped, driveID)
	require.Error(t, err)
}
