package quarantine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
)

// Built-in filter names.
const (
	FilterConnectedSender = "connected-sender"
	FilterAppAllowList    = "app-allow-list"
	FilterMaxPayloadSize  = "max-payload-size"
)

// Options configure the built-in filters.
type Options struct {
	AllowedApps     []uuid.UUID
	MaxPayloadBytes int64
}

// Constructor builds a filter from options.
type Constructor func(Options) (Filter, error)

// Registry maps filter names to constructors. Chains are built from an
// ordered list of names, usually from configuration.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns a registry holding the built-in filters.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}

	r.Register(FilterConnectedSender, func(Options) (Filter, error) {
		return ConnectedSender{}, nil
	})
	r.Register(FilterAppAllowList, func(o Options) (Filter, error) {
		return NewAppAllowList(o.AllowedApps), nil
	})
	r.Register(FilterMaxPayloadSize, func(o Options) (Filter, error) {
		if o.MaxPayloadBytes <= 0 {
			return nil, fmt.Errorf("quarantine: %s needs a positive limit", FilterMaxPayloadSize)
		}

		return MaxPayloadSize{Limit: o.MaxPayloadBytes}, nil
	})

	return r
}

// Register adds or replaces a constructor.
func (r *Registry) Register(name string, ctor Constructor) {
	r.ctors[name] = ctor
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Filters builds the named filters in order.
func (r *Registry) Filters(names []string, opts Options) ([]Filter, error) {
	out := make([]Filter, 0, len(names))

	for _, name := range names {
		ctor, ok := r.ctors[name]
		if !ok {
			return nil, fmt.Errorf("quarantine: unknown filter %q", name)
		}

		f, err := ctor(opts)
		if err != nil {
			return nil, err
		}

		out = append(out, f)
	}

	return out, nil
}

// ConnectedSender rejects senders that are neither connected nor a
// designated data provider.
type ConnectedSender struct{}

func (ConnectedSender) ID() string { return FilterConnectedSender }

func (ConnectedSender) Apply(_ context.Context, fc *FilterContext, _ PartData) (Result, error) {
	switch {
	case !fc.Authenticated:
		return Result{Recommendation: Reject, Reason: "sender is not authenticated"}, nil
	case fc.Grantee.Connected, fc.Grantee.IsDataProvider:
		return Result{Recommendation: Accept}, nil
	default:
		return Result{Recommendation: Reject, Reason: "sender " + fc.Sender.String() + " is not connected"}, nil
	}
}

// AppAllowList rejects transfers from apps not on the list. An empty list
// allows every app.
type AppAllowList struct {
	allowed []uuid.UUID
}

// NewAppAllowList copies allowed.
func NewAppAllowList(allowed []uuid.UUID) AppAllowList {
	return AppAllowList{allowed: slices.Clone(allowed)}
}

func (AppAllowList) ID() string { return FilterAppAllowList }

func (f AppAllowList) Apply(_ context.Context, fc *FilterContext, part PartData) (Result, error) {
	if part.Part != PartInstructionSet || len(f.allowed) == 0 {
		return Result{Recommendation: Accept}, nil
	}

	if fc.InstructionSet == nil {
		return Result{}, errors.New("instruction set not decoded")
	}

	if slices.Contains(f.allowed, fc.InstructionSet.SourceAppID) {
		return Result{Recommendation: Accept}, nil
	}

	return Result{
		Recommendation: Reject,
		Reason:         "app " + fc.InstructionSet.SourceAppID.String() + " is not allowed",
	}, nil
}

// MaxPayloadSize holds oversized payload parts for review.
type MaxPayloadSize struct {
	Limit int64
}

func (MaxPayloadSize) ID() string { return FilterMaxPayloadSize }

func (f MaxPayloadSize) Apply(_ context.Context, _ *FilterContext, part PartData) (Result, error) {
	if part.Part != PartPayload || int64(len(part.Data)) <= f.Limit {
		return Result{Recommendation: Accept}, nil
	}

	return Result{
		Recommendation: Quarantine,
		Reason:         fmt.Sprintf("payload %q is %d bytes, limit %d", part.Name, len(part.Data), f.Limit),
	}, nil
}
