// Package rmtest provides an in-process fake of the RM billing API for tests.
package rmtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Entry is a remote time entry as stored by the fake.
type Entry struct {
	ProjectID string  `json:"project_id"`
	Date      string  `json:"date"`
	Hours     float64 `json:"hours"`
	Notes     string  `json:"notes,omitempty"`
	Task      string  `json:"task"`
}

// Call records one request the fake received.
type Call struct {
	Op       string // create, update, delete
	RemoteID string
	Entry    Entry
	Status   int
}

// FailFunc decides whether a request fails. A non-zero return is used as the
// response status code.
type FailFunc func(op string, remoteID string, e Entry) int

// Server is a fake RM API backed by an in-memory map.
type Server struct {
	*httptest.Server

	token string

	mu      sync.Mutex
	entries map[string]Entry
	calls   []Call
	fail    FailFunc
	delay   time.Duration
}

// NewServer starts a fake that accepts the given bearer token.
func NewServer(token string) *Server {
	s := &Server{token: token, entries: map[string]Entry{}}
	r := chi.NewRouter()
	r.Use(s.auth)
	r.Post("/time_entries", s.create)
	r.Put("/time_entries/{id}", s.update)
	r.Delete("/time_entries/{id}", s.delete)
	s.Server = httptest.NewServer(r)
	return s
}

// FailWith installs a failure injector; nil clears it.
func (s *Server) FailWith(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// SetDelay makes every request wait d before answering.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns a copy of the recorded calls.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// ResetCalls forgets recorded calls but keeps stored entries.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Entries returns a copy of the stored remote entries keyed by id.
func (s *Server) Entries() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Put stores an entry directly, bypassing the API.
func (s *Server) Put(id string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = e
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		delay := s.delay
		s.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// precheck records the call and applies failure injection. It reports
// whether the handler should continue.
func (s *Server) precheck(w http.ResponseWriter, op, id string, e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := 0
	if s.fail != nil {
		status = s.fail(op, id, e)
	}
	if status == 0 && op != "create" {
		if _, ok := s.entries[id]; !ok {
			status = http.StatusNotFound
		}
	}
	s.calls = append(s.calls, Call{Op: op, RemoteID: id, Entry: e, Status: statusOrOK(status)})
	if status != 0 {
		http.Error(w, `{"error":"injected"}`, status)
		return false
	}
	return true
}

func statusOrOK(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func decode(w http.ResponseWriter, r *http.Request) (Entry, bool) {
	var e Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
		return Entry{}, false
	}
	return e, true
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	e, ok := decode(w, r)
	if !ok || !s.precheck(w, "create", "", e) {
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.entries[id] = e
	s.calls[len(s.calls)-1].RemoteID = id
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := decode(w, r)
	if !ok || !s.precheck(w, "update", id, e) {
		return
	}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.precheck(w, "delete", id, Entry{}) {
		return
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
