package keyring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genRecord(t *testing.T, created time.Time) *Record {
	t.Helper()

	rec, err := GenerateRecord(created)
	require.NoError(t, err)

	return rec
}

func TestRing_NewestIsCurrent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRing(3)

	_, ok := r.Current()
	assert.False(t, ok)

	older := genRecord(t, base)
	newer := genRecord(t, base.Add(time.Hour))

	r.Insert(newer)
	r.Insert(older)

	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, newer.KeyID, cur.KeyID)
	assert.Equal(t, 2, r.Len())

	found, ok := r.Find(older.KeyID)
	require.True(t, ok)
	assert.Same(t, older, found)
}

func TestRing_EvictsOldest(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRing(2)

	first := genRecord(t, base)
	second := genRecord(t, base.Add(time.Minute))
	third := genRecord(t, base.Add(2*time.Minute))

	assert.Nil(t, r.Insert(first))
	assert.Nil(t, r.Insert(second))

	evicted := r.Insert(third)
	require.NotNil(t, evicted)
	assert.Equal(t, first.KeyID, evicted.KeyID)

	_, ok := r.Find(first.KeyID)
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestRing_LegacyNeverCurrent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRing(2)

	cur := genRecord(t, base)
	r.Insert(cur)

	// A legacy record newer than the current key still never becomes current.
	legacy := &Record{KeyID: 7, Scheme: SchemeRSA, Created: base.Add(time.Hour)}
	r.Insert(legacy)

	got, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, cur.KeyID, got.KeyID)

	recs := r.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, cur.KeyID, recs[0].KeyID)

	// The current key survives eviction even when it is the oldest.
	evicted := r.Insert(&Record{KeyID: 8, Scheme: SchemeRSA, Created: base.Add(2 * time.Hour)})
	require.NotNil(t, evicted)
	assert.Equal(t, uint32(7), evicted.KeyID)

	got, ok = r.Current()
	require.True(t, ok)
	assert.Equal(t, cur.KeyID, got.KeyID)
}

func TestRing_CapacityFloor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, NewRing(0).Capacity())
}

func TestRing_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := NewRing(2)
	r.Insert(genRecord(t, now))

	c := r.Clone()
	c.Insert(genRecord(t, now.Add(time.Second)))
	c.Insert(genRecord(t, now.Add(2*time.Second)))

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 2, c.Len())
	assert.NotEqual(t, r.Records()[0].KeyID, c.Records()[0].KeyID)
}
