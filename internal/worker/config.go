package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config describes one worker version.
type Config struct {
	// CacheName and Version form the response cache name, e.g.
	// "attendance-app-v1".
	CacheName string
	Version   string

	// Origin resolves relative request and precache URLs.
	Origin string

	APIHosts  []string // backend API: network only, JSON fallback
	MapsHosts []string // maps provider: network only, no fallback
	CDNHosts  []string // pinned script CDNs: cache-first

	Precache []string

	SyncTag      string
	QueueActions []string

	// SkipWaiting activates a newly installed worker immediately.
	SkipWaiting bool
}

func DefaultConfig() Config {
	return Config{
		CacheName: "attendance-app",
		Version:   "v1",
		Origin:    "http://localhost:8080",
		APIHosts:  []string{"script.google.com", "script.googleusercontent.com"},
		MapsHosts: []string{"dapi.kakao.com"},
		CDNHosts:  []string{"jquery.com", "jsdelivr.net"},
		Precache: []string{
			"/",
			"/index.html",
			"/stats.html",
			"/admin.html",
			"/css/style.css",
			"/js/cache.js",
			"/js/attendance.js",
			"/js/stats.js",
			"/js/admin.js",
			"https://code.jquery.com/jquery-3.6.0.min.js",
			"https://cdn.jsdelivr.net/npm/qrcodejs@1.0.0/qrcode.min.js",
		},
		SyncTag:      "sync-attendance",
		QueueActions: []string{"attend"},
		SkipWaiting:  true,
	}
}

// FullCacheName is the name of the response cache owned by this version.
func (c Config) FullCacheName() string {
	return c.CacheName + "-" + c.Version
}

// Validate checks the fields a worker cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.CacheName) == "" {
		return errors.New("worker cache name is required")
	}
	if strings.TrimSpace(c.Version) == "" {
		return errors.New("worker version is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("parse worker origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("worker origin %q must be an absolute URL", c.Origin)
	}
	return nil
}

// hostMatches reports whether host equals one of hosts or is a subdomain
// of one.
func hostMatches(host string, hosts []string) bool {
	host = strings.ToLower(host)
	for _, h := range hosts {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
