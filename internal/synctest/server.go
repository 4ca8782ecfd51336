// Package synctest runs an in-process authority for sync tests: a REST
// record API, a change log served from /_changes, a WebSocket push endpoint,
// and switches for simulating outages and rejections.
package synctest

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/query"
)

// DefaultPageSize is how many changes one /_changes response carries.
const DefaultPageSize = 500

// Request is one request the server answered or refused.
type Request struct {
	Method string
	Path   string
	Status int
}

// Server is the fake authority.
type Server struct {
	srv *httptest.Server

	// Token, when set, must be presented as a bearer token.
	Token string
	// PageSize caps messages per /_changes page.
	PageSize int

	mu       sync.Mutex
	records  map[string]map[string]message.Attrs
	changes  []message.Message
	clock    int64
	offline  bool
	rejects  map[string]int
	requests []Request

	hub *hub
}

// New starts a server and closes it when t finishes.
func New(t testing.TB) *Server {
	s := &Server{
		PageSize: DefaultPageSize,
		records:  make(map[string]map[string]message.Attrs),
		rejects:  make(map[string]int),
		hub:      newHub(),
	}
	s.srv = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// URL is the base URL of the server.
func (s *Server) URL() string { return s.srv.URL }

// Root is the remote root of entity.
func (s *Server) Root(entity string) string { return s.srv.URL + "/" + entity }

// Close stops the server and drops push connections.
func (s *Server) Close() {
	s.hub.closeAll()
	s.srv.Close()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /push", s.handlePush)
	mux.HandleFunc("GET /{entity}/_changes", s.handleChanges)
	mux.HandleFunc("GET /{entity}", s.handleList)
	mux.HandleFunc("POST /{entity}", s.handleCreate)
	mux.HandleFunc("GET /{entity}/{id}", s.handleGet)
	mux.HandleFunc("PUT /{entity}/{id}", s.handleWrite(message.Update))
	mux.HandleFunc("PATCH /{entity}/{id}", s.handleWrite(message.Patch))
	mux.HandleFunc("DELETE /{entity}/{id}", s.handleDelete)
	return s.gate(mux)
}

// gate applies the outage switch, auth and scripted rejections, and records
// every request.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		offline := s.offline
		s.mu.Unlock()
		if offline {
			s.record(r, 0)
			dropConn(w)
			return
		}
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			s.record(r, http.StatusUnauthorized)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		if status := s.takeReject(r); status != 0 {
			s.record(r, status)
			writeError(w, status, "rejected", "scripted rejection")
			return
		}
		sc := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sc, r)
		s.record(r, sc.status)
	})
}

// dropConn closes the client connection without an HTTP answer.
func dropConn(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("synctest: response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	conn.Close()
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.status = code
	sc.ResponseWriter.WriteHeader(code)
}

func (sc *statusCapture) Unwrap() http.ResponseWriter { return sc.ResponseWriter }

// Hijack lets the push handler upgrade through the capture.
func (sc *statusCapture) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return sc.ResponseWriter.(http.Hijacker).Hijack()
}

func (s *Server) record(r *http.Request, status int) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Status: status})
	s.mu.Unlock()
}

// SetOffline makes every request fail at the connection level.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
	if offline {
		s.hub.closeAll()
	}
}

// Reject makes the next write to entity/id answer with status.
func (s *Server) Reject(entity, id string, status int) {
	s.mu.Lock()
	s.rejects[entity+"/"+id] = status
	s.mu.Unlock()
}

// RejectCreate makes the next create on entity answer with status.
func (s *Server) RejectCreate(entity string, status int) {
	s.Reject(entity, "", status)
}

func (s *Server) takeReject(r *http.Request) int {
	if r.Method == http.MethodGet {
		return 0
	}
	key := strings.Trim(r.URL.Path, "/")
	if r.Method == http.MethodPost {
		key += "/"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.rejects[key]
	if ok {
		delete(s.rejects, key)
	}
	return status
}

// Requests returns every request seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts requests with method whose path starts with prefix.
func (s *Server) CountRequests(method, prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

// Clock returns the time of the latest change.
func (s *Server) Clock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// tick returns a strictly increasing epoch-ms time. Callers hold mu.
func (s *Server) tick() int64 {
	now := message.Now()
	if now <= s.clock {
		now = s.clock + 1
	}
	s.clock = now
	return now
}

// Put stores attrs as a server-side change and publishes it.
func (s *Server) Put(entity string, attrs message.Attrs) message.Message {
	s.mu.Lock()
	msg := s.commit(entity, attrs.ID(), message.Update, attrs)
	s.mu.Unlock()
	s.hub.publish(msg)
	return msg
}

// Remove deletes a record as a server-side change and publishes it.
func (s *Server) Remove(entity, id string) message.Message {
	s.mu.Lock()
	msg := s.commit(entity, id, message.Delete, nil)
	s.mu.Unlock()
	s.hub.publish(msg)
	return msg
}

// Record returns the server copy of entity/id.
func (s *Server) Record(entity, id string) (message.Attrs, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[entity][id]
	return a.Clone(), ok
}

// Records returns every record of entity ordered by id.
func (s *Server) Records(entity string) []message.Attrs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(entity)
}

func (s *Server) sortedLocked(entity string) []message.Attrs {
	out := make([]message.Attrs, 0, len(s.records[entity]))
	for _, a := range s.records[entity] {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Changes returns the change log of entity.
func (s *Server) Changes(entity string) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, c := range s.changes {
		if c.Entity == entity {
			out = append(out, c.Clone())
		}
	}
	return out
}

// commit applies one change and appends it to the log. A patch is logged as
// an update carrying the merged record. Callers hold mu.
func (s *Server) commit(entity, id string, method message.Method, data message.Attrs) message.Message {
	if s.records[entity] == nil {
		s.records[entity] = make(map[string]message.Attrs)
	}
	now := s.tick()
	msg := message.Message{Entity: entity, ID: id, Method: method, Time: now}
	switch method {
	case message.Delete:
		delete(s.records[entity], id)
	default:
		out := data.Clone()
		if method == message.Patch {
			msg.Method = message.Update
			out = s.records[entity][id].Merge(data)
		}
		if out == nil {
			out = message.Attrs{}
		}
		out["id"] = id
		out["updated_at"] = now
		s.records[entity][id] = out
		msg.Data = out.Clone()
	}
	s.changes = append(s.changes, msg)
	return msg.Clone()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// changesResponse mirrors what the reconciler expects from /_changes.
type changesResponse struct {
	Messages []message.Message `json:"messages"`
	Time     int64             `json:"time"`
	HasMore  bool              `json:"has_more"`
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	if r.URL.Query().Get("channel") == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "channel is required")
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	s.mu.Lock()
	resp := changesResponse{Messages: []message.Message{}}
	for _, c := range s.changes {
		if c.Entity != entity || c.Time <= since {
			continue
		}
		if len(resp.Messages) == s.PageSize {
			resp.HasMore = true
			break
		}
		resp.Messages = append(resp.Messages, c.Clone())
	}
	resp.Time = max(s.clock, message.Now())
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	q := r.URL.Query()

	c, err := query.Compile(q.Get("filter"), q.Get("where"), q.Get("sort"), "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	s.mu.Lock()
	all := s.sortedLocked(entity)
	s.mu.Unlock()

	recs := c.Filter(all)
	c.SortRecords(recs)
	writeJSON(w, http.StatusOK, query.Window(recs, offset, limit))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.Record(r.PathValue("entity"), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	var attrs message.Attrs
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	id := attrs.ID()
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	msg := s.commit(entity, id, message.Create, attrs)
	s.mu.Unlock()
	s.hub.publish(msg)
	writeJSON(w, http.StatusCreated, msg.Data)
}

func (s *Server) handleWrite(method message.Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity, id := r.PathValue("entity"), r.PathValue("id")
		var attrs message.Attrs
		if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
		s.mu.Lock()
		if _, ok := s.records[entity][id]; !ok && method == message.Patch {
			s.mu.Unlock()
			writeError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		msg := s.commit(entity, id, method, attrs)
		s.mu.Unlock()
		s.hub.publish(msg)
		writeJSON(w, http.StatusOK, msg.Data)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	entity, id := r.PathValue("entity"), r.PathValue("id")
	s.mu.Lock()
	if _, ok := s.records[entity][id]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	msg := s.commit(entity, id, message.Delete, nil)
	s.mu.Unlock()
	s.hub.publish(msg)
	w.WriteHeader(http.StatusNoContent)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("synctest: write json response", "err", err)
	}
}
