package bgsync

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"

	"attendance-cache/internal/storage"

	"github.com/google/uuid"
)

// IdempotencyHeader carries the client-generated key on replayed requests.
const IdempotencyHeader = "Idempotency-Key"

// hop-by-hop and per-connection headers that must not be replayed
var skipHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
	"Content-Length":    true,
}

// Action extracts the backend action named by a request. It looks at the
// "action" query parameter first, then at a form or JSON body.
func Action(req *http.Request, body []byte) string {
	if a := req.URL.Query().Get("action"); a != "" {
		return a
	}
	if len(body) == 0 {
		return ""
	}

	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		return values.Get("action")
	case "application/json":
		var payload struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
			return ""
		}
		return payload.Action
	}
	return ""
}

// NewSubmission captures req so it can be replayed later. An existing
// Idempotency-Key header is kept, otherwise a new one is generated.
func NewSubmission(req *http.Request, body []byte) storage.Submission {
	header := make(http.Header, len(req.Header))
	for k, v := range req.Header {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		header[k] = append([]string(nil), v...)
	}

	key := header.Get(IdempotencyHeader)
	if key == "" {
		key = uuid.NewString()
		header.Set(IdempotencyHeader, key)
	}

	return storage.Submission{
		IdempotencyKey: key,
		Method:         req.Method,
		URL:            req.URL.String(),
		Header:         header,
		Body:           append([]byte(nil), body...),
	}
}
