package permission

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/identity"
)

// GrantSource is the read side of the grant storage the resolver evaluates.
// Connection returns ErrNotFound (wrapped) for unknown identities.
type GrantSource interface {
	Connection(ctx context.Context, id identity.Identity) (*Connection, error)
	Circle(ctx context.Context, id uuid.UUID) (*Circle, error)
}

// SecretOpener recovers a registration's shared secret from its sealed form.
type SecretOpener interface {
	Open(sealed, aad []byte) ([]byte, error)
}

// CallerContext describes who is asking. Owner callers hold every permission.
// Token, when present, must match the caller's access registration or the
// caller is treated as having no grants.
type CallerContext struct {
	Identity identity.Identity
	Token    *ClientAuthToken
	Owner    bool
}

// Grantee is the resolved view of a remote identity.
type Grantee struct {
	Identity       identity.Identity
	Connected      bool
	IsDataProvider bool
	Connection     *Connection
}

// EffectivePermissions is the union of a caller's active grants.
type EffectivePermissions struct {
	Owner  bool
	Drives map[uuid.UUID]DrivePermission
	Keys   PermissionSet
}

// Drive returns the effective permission on target.
func (e *EffectivePermissions) Drive(target drive.TargetDrive) DrivePermission {
	if e.Owner {
		return PermissionAll
	}

	return e.Drives[target.DriveID()]
}

// Resolver evaluates access. It holds no mutable state besides what the
// caller attaches to a request context (see WithRequestCache), so it is safe
// to share and to call on every request.
type Resolver struct {
	source    GrantSource
	secrets   SecretOpener
	providers map[identity.Identity]bool
	logger    *slog.Logger
}

// NewResolver creates a resolver over source. dataProviders are identities
// allowed to push data without a connection.
func NewResolver(source GrantSource, secrets SecretOpener, dataProviders []identity.Identity, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	providers := make(map[identity.Identity]bool, len(dataProviders))
	for _, id := range dataProviders {
		providers[id] = true
	}

	return &Resolver{source: source, secrets: secrets, providers: providers, logger: logger}
}

// Resolve returns the grantee view of id. Unknown identities resolve to an
// unconnected grantee, not an error.
func (r *Resolver) Resolve(ctx context.Context, id identity.Identity) (Grantee, error) {
	g := Grantee{Identity: id, IsDataProvider: r.providers[id]}

	conn, err := r.source.Connection(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return g, nil
	}

	if err != nil {
		return Grantee{}, fmt.Errorf("permission: resolving %s: %w", id, err)
	}

	g.Connection = conn
	g.Connected = conn.Active()

	return g, nil
}

// Authenticate checks a presented token against id's access registration and
// returns the caller context to evaluate with. A token that does not match
// yields ErrUnauthenticated.
func (r *Resolver) Authenticate(ctx context.Context, id identity.Identity, token ClientAuthToken) (CallerContext, error) {
	conn, err := r.source.Connection(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CallerContext{}, fmt.Errorf("%w: %s has no connection", ErrUnauthenticated, id)
		}

		return CallerContext{}, fmt.Errorf("permission: authenticating %s: %w", id, err)
	}

	if !r.tokenMatches(conn, token) {
		return CallerContext{}, fmt.Errorf("%w: token does not match %s", ErrUnauthenticated, id)
	}

	return CallerContext{Identity: id, Token: &token}, nil
}

func (r *Resolver) tokenMatches(conn *Connection, token ClientAuthToken) bool {
	reg := conn.Registration
	if reg == nil || reg.Revoked || reg.ID != token.ID {
		return false
	}

	secret, err := r.secrets.Open(reg.SealedSecret, reg.ID[:])
	if err != nil {
		r.logger.Warn("opening registration secret",
			slog.String("identity", conn.Identity.String()),
			slog.String("error", err.Error()),
		)

		return false
	}

	return subtle.ConstantTimeCompare(secret, token.SharedSecret) == 1
}

// EffectivePermissionSet unions the caller's active circle grants. A revoked
// registration, a non-connected status, or a mismatched token contributes
// nothing; a disabled circle contributes nothing even though its materialized
// grant still exists.
func (r *Resolver) EffectivePermissionSet(ctx context.Context, caller CallerContext) (*EffectivePermissions, error) {
	if caller.Owner {
		return &EffectivePermissions{Owner: true}, nil
	}

	cache := requestCacheFrom(ctx)
	if cached, ok := cache.get(caller); ok {
		return cached, nil
	}

	eff, err := r.computeEffective(ctx, caller)
	if err != nil {
		return nil, err
	}

	cache.put(caller, eff)

	return eff, nil
}

func (r *Resolver) computeEffective(ctx context.Context, caller CallerContext) (*EffectivePermissions, error) {
	eff := &EffectivePermissions{Drives: make(map[uuid.UUID]DrivePermission)}

	if caller.Identity.IsZero() {
		return eff, nil
	}

	conn, err := r.source.Connection(ctx, caller.Identity)
	if errors.Is(err, ErrNotFound) {
		return eff, nil
	}

	if err != nil {
		return nil, fmt.Errorf("permission: loading connection %s: %w", caller.Identity, err)
	}

	if !conn.Active() {
		return eff, nil
	}

	if caller.Token != nil && !r.tokenMatches(conn, *caller.Token) {
		return eff, nil
	}

	for _, grant := range conn.CircleGrants {
		circle, err := r.source.Circle(ctx, grant.CircleID)
		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("permission: loading circle %s: %w", grant.CircleID, err)
		}

		if circle.Disabled {
			continue
		}

		for _, dg := range grant.DriveGrants {
			id := dg.PermissionedDrive.Drive.DriveID()
			eff.Drives[id] = eff.Drives[id].Union(dg.PermissionedDrive.Permission)
		}

		eff.Keys = eff.Keys.Union(grant.Permissions)
	}

	return eff, nil
}

// EvaluateAccess reports whether caller holds pd.Permission on pd.Drive.
func (r *Resolver) EvaluateAccess(ctx context.Context, caller CallerContext, pd PermissionedDrive) (bool, error) {
	eff, err := r.EffectivePermissionSet(ctx, caller)
	if err != nil {
		return false, err
	}

	return eff.Drive(pd.Drive).Has(pd.Permission), nil
}

// AssertCallerHasPermission returns a *ForbiddenError when EvaluateAccess
// would return false.
func (r *Resolver) AssertCallerHasPermission(ctx context.Context, caller CallerContext, pd PermissionedDrive) error {
	ok, err := r.EvaluateAccess(ctx, caller, pd)
	if err != nil {
		return err
	}

	if !ok {
		return &ForbiddenError{Caller: caller.Identity, Drive: pd.Drive, Required: pd.Permission}
	}

	return nil
}
