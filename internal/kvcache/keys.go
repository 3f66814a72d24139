package kvcache

import (
	"strings"
	"time"
)

// Logical keys used by the attendance pages.
const (
	KeyMembers         = "members"
	KeyTodayAttendance = "today_attendance"
	KeyLocation        = "location"
	KeyStats           = "stats"
	KeyAvailableYears  = "available_years"
)

const (
	DefaultVersion = "v1"
	DefaultTTL     = 5 * time.Minute
)

// DefaultTTLs returns the per-key TTL table.
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		KeyMembers:         10 * time.Minute,
		KeyTodayAttendance: 2 * time.Minute,
		KeyLocation:        60 * time.Minute,
		KeyStats:           30 * time.Minute,
		KeyAvailableYears:  60 * time.Minute,
	}
}

// Suffixed joins a logical key with its suffix parts, e.g.
// Suffixed("stats", "2025", "firstHalf") == "stats_2025_firstHalf".
// Empty parts are skipped.
func Suffixed(key string, parts ...string) string {
	var b strings.Builder
	b.WriteString(key)
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteByte('_')
		b.WriteString(p)
	}
	return b.String()
}

// namespaced returns "{version}_{key}".
func (c *Cache) namespaced(key string) string {
	return c.prefix + key
}

func (c *Cache) owns(storageKey string) bool {
	return strings.HasPrefix(storageKey, c.prefix)
}

// ttlFor resolves the TTL for key: an explicit override wins, then an exact
// table match, then the longest table entry that key is a suffixed form of,
// then the global default.
func (c *Cache) ttlFor(key string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if ttl, ok := c.ttls[key]; ok {
		return ttl
	}

	best := ""
	for base := range c.ttls {
		if len(base) > len(best) && strings.HasPrefix(key, base+"_") {
			best = base
		}
	}
	if best != "" {
		return c.ttls[best]
	}
	return c.defaultTTL
}
