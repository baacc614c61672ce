// Package quarantine is the filter chain every inbound transfer passes
// before it is trusted, plus the table of transfers it holds for review.
package quarantine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/peerhost/transitd/internal/envelope"
	"github.com/peerhost/transitd/internal/identity"
	"github.com/peerhost/transitd/internal/permission"
)

// Recommendation is one filter's opinion. Higher values are more severe.
type Recommendation int

const (
	Accept Recommendation = iota
	Quarantine
	Reject
)

func (r Recommendation) String() string {
	switch r {
	case Accept:
		return "accept"
	case Quarantine:
		return "quarantine"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("recommendation(%d)", int(r))
	}
}

// Part names a piece of a multipart transfer.
type Part string

const (
	PartInstructionSet Part = "instructionSet"
	PartMetadata       Part = "metadata"
	PartPayload        Part = "payload"
	PartThumbnail      Part = "thumbnail"
)

// PartData is one part with its raw bytes.
type PartData struct {
	Part Part
	Name string // payload key or thumbnail name, empty otherwise
	Data []byte
}

// FilterContext is what filters know about the transfer as a whole.
type FilterContext struct {
	Marker         uuid.UUID
	Sender         identity.Identity
	Authenticated  bool
	Grantee        permission.Grantee
	InstructionSet *envelope.InstructionSet
}

// Result is one filter's verdict on one part.
type Result struct {
	FilterID       string
	Part           Part
	Recommendation Recommendation
	Reason         string
}

// Filter inspects transfer parts. Implementations must not mutate state:
// the same input yields the same result on every evaluation.
type Filter interface {
	ID() string
	Apply(ctx context.Context, fc *FilterContext, part PartData) (Result, error)
}

// Verdict is the chain's overall decision.
type Verdict struct {
	Recommendation Recommendation
	Results        []Result
}

// Reasons returns the reasons of every non-accepting result.
func (v Verdict) Reasons() []string {
	var out []string

	for _, r := range v.Results {
		if r.Recommendation != Accept {
			out = append(out, r.FilterID+": "+r.Reason)
		}
	}

	return out
}

// Chain is an ordered list of filters.
type Chain struct {
	filters []Filter
	logger  *slog.Logger
}

// NewChain creates a chain that runs filters in the given order.
func NewChain(logger *slog.Logger, filters ...Filter) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{filters: filters, logger: logger}
}

// Filters returns the filter ids in evaluation order.
func (c *Chain) Filters() []string {
	ids := make([]string, len(c.filters))
	for i, f := range c.filters {
		ids[i] = f.ID()
	}

	return ids
}

// Evaluate runs every filter against every part. The transfer is rejected
// when any result rejects, quarantined when none rejects but one quarantines,
// and accepted otherwise. A filter error counts as quarantine for that part.
// The only error returned is context cancellation.
func (c *Chain) Evaluate(ctx context.Context, fc *FilterContext, parts []PartData) (Verdict, error) {
	var v Verdict

	for _, part := range parts {
		for _, f := range c.filters {
			if err := ctx.Err(); err != nil {
				return Verdict{}, err
			}

			res, err := f.Apply(ctx, fc, part)
			if err != nil {
				c.logger.Warn("quarantine filter failed",
					slog.String("filter", f.ID()),
					slog.String("part", string(part.Part)),
					slog.String("error", err.Error()),
				)

				res = Result{Recommendation: Quarantine, Reason: "filter error: " + err.Error()}
			}

			res.FilterID = f.ID()
			res.Part = part.Part
			v.Results = append(v.Results, res)

			if res.Recommendation > v.Recommendation {
				v.Recommendation = res.Recommendation
			}
		}
	}

	if v.Recommendation != Accept {
		c.logger.Info("transfer not accepted",
			slog.String("marker", fc.Marker.String()),
			slog.String("sender", fc.Sender.String()),
			slog.String("verdict", v.Recommendation.String()),
			slog.Any("reasons", v.Reasons()),
		)
	}

	return v, nil
}
