package util

import (
	"time"

	"github.com/maypok86/otter"
)

// NewTTLCache builds a bounded cache whose entries expire ttl after they
// were written. A non-positive ttl disables expiry.
func NewTTLCache[K comparable, V any](capacity int, ttl time.Duration) otter.Cache[K, V] {
	b := otter.MustBuilder[K, V](capacity).
		Cost(func(K, V) uint32 { return 1 })
	var (
		cache otter.Cache[K, V]
		err   error
	)
	if ttl > 0 {
		cache, err = b.WithTTL(ttl).Build()
	} else {
		cache, err = b.Build()
	}
	if err != nil {
		panic("util: failed to create cache: " + err.Error())
	}
	return cache
}
