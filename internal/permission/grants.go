package permission

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/identity"
)

const sharedSecretSize = 32

// Circle is a named group of connections sharing a grant template.
type Circle struct {
	ID          uuid.UUID           `json:"id"`
	Name        string              `json:"name"`
	Disabled    bool                `json:"disabled"`
	DriveGrants []PermissionedDrive `json:"driveGrants,omitempty"`
	Permissions PermissionSet       `json:"permissions"`
}

// DriveGrant is one drive of a materialized circle grant. The drive's storage
// key travels with it, wrapped under the connection's shared secret, so the
// grantee can open the drive without the owner being online.
type DriveGrant struct {
	PermissionedDrive              PermissionedDrive `json:"permissionedDrive"`
	KeyStoreKeyEncryptedStorageKey []byte            `json:"keyStoreKeyEncryptedStorageKey,omitempty"`
}

// CircleGrant is the per-connection snapshot of a circle's grants taken when
// the connection joined the circle.
type CircleGrant struct {
	CircleID    uuid.UUID     `json:"circleId"`
	DriveGrants []DriveGrant  `json:"driveGrants,omitempty"`
	Permissions PermissionSet `json:"permissions"`
	Created     time.Time     `json:"created"`
}

// AccessRegistration is the revocable credential bound to a connection's
// circle grants. The shared secret is kept sealed at rest.
type AccessRegistration struct {
	ID           uuid.UUID
	SealedSecret []byte
	Revoked      bool
	Created      time.Time
}

// ConnectionStatus is the relationship state with a remote identity.
type ConnectionStatus string

const (
	StatusConnected ConnectionStatus = "connected"
	StatusBlocked   ConnectionStatus = "blocked"
)

// Connection is everything the resolver needs about one remote identity.
type Connection struct {
	Identity     identity.Identity
	Status       ConnectionStatus
	Registration *AccessRegistration
	CircleGrants []CircleGrant
}

// Active reports whether the connection can contribute any permission.
func (c *Connection) Active() bool {
	return c.Status == StatusConnected && c.Registration != nil && !c.Registration.Revoked
}

// ClientAuthToken is the portable form of an access registration: the
// registration id and its shared secret.
type ClientAuthToken struct {
	ID           uuid.UUID
	SharedSecret []byte
}

// NewClientAuthToken generates a fresh registration id and shared secret.
func NewClientAuthToken() (ClientAuthToken, error) {
	secret := make([]byte, sharedSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: generating shared secret: %w", err)
	}

	return ClientAuthToken{ID: uuid.New(), SharedSecret: secret}, nil
}

// String encodes the token as unpadded URL-safe base64 of id || secret.
func (t ClientAuthToken) String() string {
	raw := make([]byte, 0, len(t.ID)+len(t.SharedSecret))
	raw = append(raw, t.ID[:]...)
	raw = append(raw, t.SharedSecret...)

	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseClientAuthToken reverses String.
func ParseClientAuthToken(s string) (ClientAuthToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ClientAuthToken{}, fmt.Errorf("permission: decoding client auth token: %w", err)
	}

	if len(raw) != len(uuid.UUID{})+sharedSecretSize {
		return ClientAuthToken{}, fmt.Errorf("permission: client auth token is %d bytes", len(raw))
	}

	var id uuid.UUID
	copy(id[:], raw)

	secret := make([]byte, sharedSecretSize)
	copy(secret, raw[len(id):])

	return ClientAuthToken{ID: id, SharedSecret: secret}, nil
}
