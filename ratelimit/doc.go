// Package ratelimit bounds how fast callers may submit work.
//
// The server uses a Limiter to admit task creation per user. Two
// implementations exist:
//
//	// One process: token buckets, refilled continuously.
//	l, err := ratelimit.NewMemoryLimiter(ratelimit.Config{Capacity: 60, Window: time.Minute}, nil)
//
//	// Several daemons sharing a NATS KV bucket: fixed windows.
//	l, err := ratelimit.NewKVLimiter(kv, "tasks", ratelimit.Config{Capacity: 60, Window: time.Minute}, nil)
//
//	d, err := l.Allow(ctx, userID)
//	if err == nil && !d.Allowed {
//	    // reject; retry after d.RetryAfter
//	}
//
// A token bucket allows bursts up to Capacity and then one request per
// Window/Capacity. The fixed-window counter allows Capacity requests per
// calendar window and may admit up to twice that across a window edge.
package ratelimit
