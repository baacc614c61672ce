package keyring

import "sort"

// Ring is a fixed-capacity, newest-first list of key records with an explicit
// current pointer: the newest record in the current scheme. Inserting into a
// full ring evicts the oldest record that is not current.
type Ring struct {
	capacity int
	records  []*Record
	current  int // index into records, -1 when no encrypting key exists
}

// NewRing creates an empty ring. Capacities below one are raised to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}

	return &Ring{capacity: capacity, current: -1}
}

// Insert adds rec and returns the evicted record, if any.
func (r *Ring) Insert(rec *Record) *Record {
	for i, existing := range r.records {
		if existing.KeyID == rec.KeyID {
			r.records[i] = rec
			r.reindex()

			return nil
		}
	}

	r.records = append(r.records, rec)
	r.reindex()

	if len(r.records) <= r.capacity {
		return nil
	}

	// Evict from the oldest end, skipping the current key.
	for i := len(r.records) - 1; i >= 0; i-- {
		if i == r.current {
			continue
		}

		evicted := r.records[i]
		r.records = append(r.records[:i], r.records[i+1:]...)
		r.reindex()

		return evicted
	}

	return nil
}

func (r *Ring) reindex() {
	sort.SliceStable(r.records, func(i, j int) bool {
		return r.records[i].Created.After(r.records[j].Created)
	})

	r.current = -1

	for i, rec := range r.records {
		if rec.Scheme == SchemeX25519 {
			r.current = i
			break
		}
	}
}

// Current returns the key new envelopes are encrypted to.
func (r *Ring) Current() (*Record, bool) {
	if r.current < 0 {
		return nil, false
	}

	return r.records[r.current], true
}

// Find returns the record with keyID.
func (r *Ring) Find(keyID uint32) (*Record, bool) {
	for _, rec := range r.records {
		if rec.KeyID == keyID {
			return rec, true
		}
	}

	return nil, false
}

// Records returns the records newest first, current key first when the
// newest record is a legacy import.
func (r *Ring) Records() []*Record {
	out := make([]*Record, 0, len(r.records))

	if cur, ok := r.Current(); ok {
		out = append(out, cur)
	}

	for i, rec := range r.records {
		if i != r.current {
			out = append(out, rec)
		}
	}

	return out
}

// Clone returns a ring holding the same records that can be changed without
// affecting r.
func (r *Ring) Clone() *Ring {
	return &Ring{
		capacity: r.capacity,
		records:  append([]*Record(nil), r.records...),
		current:  r.current,
	}
}

// Len returns the number of records held.
func (r *Ring) Len() int {
	return len(r.records)
}

// Capacity returns the maximum number of records held.
func (r *Ring) Capacity() int {
	return r.capacity
}
