package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/peerhost/transitd/internal/identity"
)

func TestPendingSenders(t *testing.T) {
	t.Parallel()

	p := NewPendingSenders()
	p.Add(dave)
	p.Add(bob)
	p.Add(bob)

	select {
	case <-p.Wake():
	default:
		t.Fatal("Add did not wake")
	}

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, []identity.Identity{bob, dave}, p.Drain())

	// Re-adding while draining does not hand bob out twice.
	p.Add(bob)
	assert.Empty(t, p.Drain())
	assert.True(t, p.Has(bob))

	p.Ack(bob, false)
	assert.Equal(t, []identity.Identity{bob}, p.Drain(), "the add during the drain survives")

	p.Ack(bob, false)
	p.Ack(dave, true)
	assert.False(t, p.Has(bob))
	assert.True(t, p.Has(dave))
	assert.Equal(t, 1, p.Len())
}
