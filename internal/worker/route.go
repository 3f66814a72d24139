package worker

import (
	"net/http"
	"strings"
)

// Route is the strategy chosen for a request.
type Route int

const (
	RouteAPI Route = iota
	RouteMaps
	RouteCDN
	RouteDocument
	RouteStatic
	RouteDefault
)

func (r Route) String() string {
	switch r {
	case RouteAPI:
		return "api"
	case RouteMaps:
		return "maps"
	case RouteCDN:
		return "cdn"
	case RouteDocument:
		return "document"
	case RouteStatic:
		return "static"
	default:
		return "default"
	}
}

// Request mode and destination travel in the Fetch Metadata headers.
const (
	headerFetchMode = "Sec-Fetch-Mode"
	headerFetchDest = "Sec-Fetch-Dest"
)

func isNavigation(req *http.Request) bool {
	return req.Header.Get(headerFetchMode) == "navigate"
}

// Classify picks the route for req. req.URL must be absolute. Rules are
// evaluated in order and the first match wins.
func (c Config) Classify(req *http.Request) Route {
	host := req.URL.Hostname()
	dest := req.Header.Get(headerFetchDest)

	switch {
	case hostMatches(host, c.APIHosts):
		return RouteAPI
	case hostMatches(host, c.MapsHosts):
		return RouteMaps
	case hostMatches(host, c.CDNHosts):
		return RouteCDN
	case isNavigation(req), dest == "document", strings.HasSuffix(req.URL.Path, ".html"):
		return RouteDocument
	case dest == "script", dest == "style", dest == "image":
		return RouteStatic
	default:
		return RouteDefault
	}
}
