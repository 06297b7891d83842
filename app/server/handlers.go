package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/collector/app/store"
)

// redactedValue replaces the token header value in persisted records.
const redactedValue = "[REDACTED]"

// handleHealthCheck responds to the liveness probe.
// GET /json-collector/health-check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.logEvent(r, http.StatusOK)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, "Everything is ay oh kay")
}

// handleIngest accepts a JSON payload and appends it to the project's journal.
// POST /json-collector/{project}
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logEvent(r, http.StatusBadRequest)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	posted, err := decodePayload(body)
	if err != nil {
		// raw body is not persisted, a single log line is all that remains of it
		log.Printf("[WARN] malformed JSON from %s for project %q: %v", clientIP(r), project, err)
		s.logEvent(r, http.StatusBadRequest)
		http.Error(w, "ERROR - improperly formatted JSON data", http.StatusBadRequest)
		return
	}

	rec := store.Record{
		Timestamp:         float64(time.Now().UnixNano()) / 1e9,
		ClientIP:          clientIP(r),
		RequestHeaders:    s.collectHeaders(r),
		RequestURL:        requestURL(r),
		PostedData:        posted,
		AuthenticatedUser: AuthenticatedUser(r.Context()),
	}

	if err := s.journal.Append(project, rec); err != nil {
		log.Printf("[ERROR] failed to append record for project %q: %v", project, err)
		s.logEvent(r, http.StatusInternalServerError)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.logEvent(r, http.StatusOK)
	_, _ = fmt.Fprintf(w, "JSON data accepted for %s", project)
}

// handleFetch streams the project's current log file back to the caller.
// GET /json-collector/{project}
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	fh, err := s.journal.Open(project)
	if errors.Is(err, store.ErrNotFound) {
		s.logEvent(r, http.StatusNotFound)
		http.Error(w, "Unknown URL", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[ERROR] failed to open log for project %q: %v", project, err)
		s.logEvent(r, http.StatusInternalServerError)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer fh.Close()

	s.logEvent(r, http.StatusOK)
	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, fh); err != nil {
		log.Printf("[WARN] failed to stream log for project %q: %v", project, err)
	}
}

// handleNotFound is the fallback for unmatched routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.logEvent(r, http.StatusNotFound)
	http.Error(w, "Unknown URL", http.StatusNotFound)
}

// decodePayload parses the request body as JSON. Empty body and JSON null
// both normalize to an empty string in the persisted record.
func decodePayload(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return "", nil
	}
	return v, nil
}

// collectHeaders flattens request headers into the persisted record, replacing
// the token header value so credentials never land in the journal. Redaction
// is case-insensitive and applies whether or not auth is enabled.
func (s *Server) collectHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+1)
	tokenHeader := s.auth.HeaderName()
	for name, values := range r.Header {
		if strings.EqualFold(name, tokenHeader) {
			headers[name] = redactedValue
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}
	return headers
}

// clientIP returns the request's remote address without the port.
// rest.RealIP middleware has already resolved proxy headers into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestURL reconstructs the full URL of the request for the record.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// logEvent writes a one-line console event for the request.
func (s *Server) logEvent(r *http.Request, status int) {
	log.Printf("[INFO] %s %s %s %d", clientIP(r), r.Method, requestURL(r), status)
}
