package store

// record is the two-phase state of one cached entity. Confirmed is the last
// server-confirmed value, nil while an optimistic create is in flight.
// Pending is the optimistic value of the mutation numbered mutation, and
// Baseline is what the entity looked like before that mutation started.
// touched is the store sequence of the last local mutation or event to change
// the record.
type record[T any] struct {
	Confirmed *T
	Pending   *T
	Baseline  *T
	mutation  uint64
	touched   uint64
}

func (r *record[T]) current() T {
	if r.Pending != nil {
		return *r.Pending
	}
	if r.Confirmed != nil {
		return *r.Confirmed
	}
	var zero T
	return zero
}

func (r *record[T]) pending() bool { return r.Pending != nil }

// confirmed is the last server-confirmed value, or the zero value while an
// optimistic create is in flight.
func (r *record[T]) confirmed() T {
	if r.Confirmed != nil {
		return *r.Confirmed
	}
	var zero T
	return zero
}

// changedSince reports whether the record was touched after sequence seq.
func (r *record[T]) changedSince(seq uint64) bool { return r.touched > seq }

// begin starts mutation m with the optimistic value next.
func (r *record[T]) begin(m uint64, next T) {
	base := r.current()
	if r.Confirmed == nil && r.Pending == nil {
		r.Baseline = nil
	} else {
		r.Baseline = &base
	}
	r.Pending = &next
	r.mutation = m
	r.touched = m
}

// confirm makes v the confirmed value and clears any pending marker.
func (r *record[T]) confirm(v T) {
	r.Confirmed = &v
	r.clear()
}

// revert drops the optimistic value. It reports false when nothing is left,
// meaning the entity only ever existed optimistically.
func (r *record[T]) revert() bool {
	r.clear()
	return r.Confirmed != nil
}

func (r *record[T]) clear() {
	r.Pending = nil
	r.Baseline = nil
	r.mutation = 0
}

func (r *record[T]) owns(m uint64) bool {
	return r.Pending != nil && r.mutation == m
}
