package utils

import "time"

// Now returns the current time. Var so tests can pin the clock.
var Now = time.Now

// IsExpired reports whether timestamp is older than ttl.
func IsExpired(timestamp time.Time, ttl time.Duration) bool {
	return Now().Sub(timestamp) > ttl
}
