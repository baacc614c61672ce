package perimeter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/events"
)

func TestOwnerClient_Calls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ServerConfig{})
	oc := NewOwnerClient(h.srv.URL, bob, systemToken, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, oc.ProcessOutbox(ctx))

	res, err := oc.ProcessInbox(ctx, drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Applied)
	assert.Equal(t, 3, res.TotalItems)

	_, err = oc.ProcessInbox(ctx, drive.TargetDrive{Type: uuid.New()}, 4)
	require.ErrorIs(t, err, ErrBadRequest)

	list, err := oc.Journal(ctx, events.Query{Kind: events.RecipientUnreachable, Limit: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, string(events.RecipientUnreachable), list[0].Problem)
}

func TestOwnerClient_OutboxFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ServerConfig{})
	h.tenant.outboxErr = errors.New("database locked")

	err := NewOwnerClient(h.srv.URL, bob, systemToken, 5*time.Second).ProcessOutbox(context.Background())
	require.ErrorIs(t, err, ErrServerError)
}

func TestOwnerClient_WrongToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ServerConfig{})
	oc := NewOwnerClient(h.srv.URL, bob, "wrong", 5*time.Second)

	require.ErrorIs(t, oc.ProcessOutbox(context.Background()), ErrSystemTokenRejected)

	err := oc.Follow(context.Background(), func(events.Event) error { return nil })
	require.ErrorIs(t, err, ErrSystemTokenRejected)
}

func TestOwnerClient_Follow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ServerConfig{})
	oc := NewOwnerClient(h.srv.URL, bob, systemToken, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errStop := errors.New("stop")
	got := make(chan events.Event, 1)
	done := make(chan error, 1)

	go func() {
		done <- oc.Follow(ctx, func(e events.Event) error {
			got <- e
			return errStop
		})
	}()

	want := events.Event{Kind: events.TransferQuarantined, Peer: alice}

	require.Eventually(t, func() bool {
		h.tenant.bus.Publish(ctx, want)

		select {
		case e := <-got:
			assert.Equal(t, want.Kind, e.Kind)
			assert.Equal(t, want.Peer, e.Peer)

			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.ErrorIs(t, <-done, errStop)
}
