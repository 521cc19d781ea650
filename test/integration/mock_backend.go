package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// MockBackend stands in for the pipeline service. Each operation replays a
// queue of scripted replies, repeating the last one once the queue is
// drained; unscripted operations answer with an empty success envelope.
// Every request is recorded per operation.
type MockBackend struct {
	name   string
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string]*script
	received map[string][]*RecordedRequest
}

// RecordedRequest is one request the mock received.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
}

// reply writes one scripted answer.
type reply func(w http.ResponseWriter)

type script struct {
	replies []reply
	next    int
}

func (s *script) pop() reply {
	r := s.replies[min(s.next, len(s.replies)-1)]
	if s.next < len(s.replies) {
		s.next++
	}
	return r
}

// OperationMock scripts the replies of one operation.
type OperationMock struct {
	backend *MockBackend
	op      string
}

// operationRoute is the method and chi pattern an operation is served on.
type operationRoute struct {
	method  string
	pattern string
}

// FunnelRoutes lists the pipeline service routes by the operation names the
// BFF's HTTP service reports in its logs and metrics.
func FunnelRoutes() map[string]operationRoute {
	const opp = "/funnel/opportunities/{id}"
	return map[string]operationRoute{
		"list_stages":        {http.MethodGet, "/funnel/stages"},
		"list_loss_reasons":  {http.MethodGet, "/funnel/loss-reasons"},
		"list_opportunities": {http.MethodGet, "/funnel/opportunities"},
		"create_opportunity": {http.MethodPost, "/funnel/opportunities"},
		"get_opportunity":    {http.MethodGet, opp},
		"update_opportunity": {http.MethodPut, opp},
		"delete_opportunity": {http.MethodDelete, opp},
		"move_stage":         {http.MethodPatch, opp + "/stage"},
		"set_status":         {http.MethodPatch, opp + "/status"},
		"convert_to_sale":    {http.MethodPost, opp + "/convert"},
		"list_activities":    {http.MethodGet, opp + "/activities"},
		"add_activity":       {http.MethodPost, opp + "/activities"},
		"sync_proposals":     {http.MethodPost, "/funnel/sync-proposals"},
	}
}

func newMockBackend(t *testing.T, name string, routes map[string]operationRoute) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		name:     name,
		scripts:  map[string]*script{},
		received: map[string][]*RecordedRequest{},
	}

	r := chi.NewRouter()
	for op, route := range routes {
		r.Method(route.method, route.pattern, mb.serve(op))
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSONReply(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": fmt.Sprintf("mock %s: no route for %s %s", name, req.Method, req.URL.Path),
		})
	})

	mb.server = httptest.NewServer(r)
	t.Cleanup(mb.server.Close)
	return mb
}

func (mb *MockBackend) URL() string { return mb.server.URL }

func (mb *MockBackend) OnOperation(op string) *OperationMock {
	return &OperationMock{backend: mb, op: op}
}

func (om *OperationMock) then(r reply) *OperationMock {
	mb := om.backend
	mb.mu.Lock()
	defer mb.mu.Unlock()
	s, ok := mb.scripts[om.op]
	if !ok {
		s = &script{}
		mb.scripts[om.op] = s
	}
	s.replies = append(s.replies, r)
	return om
}

// RespondWith queues a reply with an arbitrary JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	return om.then(func(w http.ResponseWriter) {
		writeJSONReply(w, status, body)
	})
}

// RespondWithData queues a 200 success envelope around data.
func (om *OperationMock) RespondWithData(data any) *OperationMock {
	return om.RespondWith(http.StatusOK, Envelope(data))
}

// RespondWithError queues a failure envelope.
func (om *OperationMock) RespondWithError(status int, message string) *OperationMock {
	return om.RespondWith(status, map[string]any{"success": false, "message": message})
}

// RespondWithDelay queues a reply sent after delay.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	return om.then(func(w http.ResponseWriter) {
		time.Sleep(delay)
		writeJSONReply(w, status, body)
	})
}

// RespondWithConnectionError queues a reply that drops the connection
// without answering.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	return om.then(func(w http.ResponseWriter) {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
	})
}

func writeJSONReply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (mb *MockBackend) serve(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: map[string]string{},
			Headers:     r.Header.Clone(),
		}
		for k := range r.URL.Query() {
			rec.QueryParams[k] = r.URL.Query().Get(k)
		}
		// Non-object or empty bodies leave Body nil.
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)

		mb.mu.Lock()
		mb.received[op] = append(mb.received[op], rec)
		var next reply
		if s := mb.scripts[op]; s != nil && len(s.replies) > 0 {
			next = s.pop()
		}
		mb.mu.Unlock()

		if next == nil {
			writeJSONReply(w, http.StatusOK, map[string]any{"success": true, "data": nil})
			return
		}
		next(w)
	}
}

// AssertCalled fails t unless op was requested exactly want times.
func (mb *MockBackend) AssertCalled(t *testing.T, op string, want int) {
	t.Helper()
	if got := len(mb.AllRequests(op)); got != want {
		t.Errorf("mock %s: %s called %d times, want %d", mb.name, op, got, want)
	}
}

func (mb *MockBackend) AssertNotCalled(t *testing.T, op string) {
	t.Helper()
	mb.AssertCalled(t, op, 0)
}

// LastRequest returns the most recent request for op, or nil.
func (mb *MockBackend) LastRequest(op string) *RecordedRequest {
	reqs := mb.AllRequests(op)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func (mb *MockBackend) AllRequests(op string) []*RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*RecordedRequest(nil), mb.received[op]...)
}

// Reset forgets every script and recorded request.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	clear(mb.scripts)
	clear(mb.received)
}

// ResetOperation forgets the script and requests of one operation.
func (mb *MockBackend) ResetOperation(op string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.scripts, op)
	delete(mb.received, op)
}
