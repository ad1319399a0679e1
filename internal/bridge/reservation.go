package bridge

import "sync"

// Reservation is a committed counter increment that can still be undone while
// the admission that took it has not finished.
type Reservation struct {
	once    sync.Once
	release func()
}

// NewReservation wraps release so that it runs at most once.
func NewReservation(release func()) *Reservation {
	return &Reservation{release: release}
}

// Release undoes the increment. Safe on nil and safe to call repeatedly.
func (r *Reservation) Release() {
	if r == nil || r.release == nil {
		return
	}
	r.once.Do(r.release)
}

// Reservations releases a group in reverse order of acquisition.
type Reservations []*Reservation

// ReleaseAll releases every reservation, newest first.
func (rs Reservations) ReleaseAll() {
	for i := len(rs) - 1; i >= 0; i-- {
		rs[i].Release()
	}
}
