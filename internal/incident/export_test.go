package incident

import "time"

// SetNow fixes the resolver's clock for tests.
func (r *Resolver) SetNow(now func() time.Time) {
	r.now = now
}
