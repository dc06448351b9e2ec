package identity

import "time"

// olderThan reports whether t is at least ttl old at now. A non positive ttl
// never expires.
func olderThan(now, t time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return !now.Before(t.Add(ttl))
}
