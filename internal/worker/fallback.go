package worker

import (
	_ "embed"
	"encoding/json"
	"net/http"

	"attendance-cache/internal/storage"
)

//go:embed offline.html
var offlinePage []byte

// OfflinePage returns the self-contained page served to navigations when
// neither the network nor the cache can answer.
func OfflinePage() []byte {
	return append([]byte(nil), offlinePage...)
}

type apiFallback struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Queued  bool   `json:"queued,omitempty"`
}

func synthesize(req *http.Request, status int, contentType string, body []byte) *http.Response {
	return storage.CachedResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       body,
	}.HTTPResponse(req)
}

func offlineHTMLResponse(req *http.Request) *http.Response {
	return synthesize(req, http.StatusOK, "text/html; charset=utf-8", offlinePage)
}

func offlineTextResponse(req *http.Request, msg string) *http.Response {
	return synthesize(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte(msg))
}

func apiFallbackResponse(req *http.Request, queued bool) *http.Response {
	body, _ := json.Marshal(apiFallback{Success: false, Message: "offline", Queued: queued})
	return synthesize(req, http.StatusOK, "application/json", body)
}
