package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/perimeter"
)

// Host holds every tenant served by one process, keyed by identity.
type Host struct {
	tenants map[string]*Tenant
}

// NewHost groups tenants. Identities must be unique.
func NewHost(tenants ...*Tenant) (*Host, error) {
	h := &Host{tenants: make(map[string]*Tenant, len(tenants))}

	for _, t := range tenants {
		key := t.id.String()
		if _, dup := h.tenants[key]; dup {
			return nil, fmt.Errorf("tenant: %s hosted twice", key)
		}

		h.tenants[key] = t
	}

	return h, nil
}

// TenantForHost implements perimeter.TenantLookup.
func (h *Host) TenantForHost(host string) (perimeter.Tenant, bool) {
	t, ok := h.tenants[strings.ToLower(host)]
	if !ok {
		return nil, false
	}

	return t, true
}

// Tenant returns the tenant for id.
func (h *Host) Tenant(id identity.Identity) (*Tenant, bool) {
	t, ok := h.tenants[id.String()]
	return t, ok
}

// Tenants returns every hosted tenant ordered by identity.
func (h *Host) Tenants() []*Tenant {
	out := make([]*Tenant, 0, len(h.tenants))
	for _, t := range h.tenants {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })

	return out
}

// Run runs every tenant until ctx is canceled or one fails.
func (h *Host) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, t := range h.tenants {
		g.Go(func() error { return t.Run(gctx) })
	}

	return g.Wait()
}

// Close closes every tenant.
func (h *Host) Close() error {
	var errs []error

	for _, t := range h.tenants {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

var _ perimeter.TenantLookup = (*Host)(nil)
