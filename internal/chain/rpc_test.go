package chain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// rpcHandler answers JSON-RPC requests from a method table. A handler
// returning an *RPCError produces an error response.
type rpcHandler struct {
	mu      sync.Mutex
	methods map[string]func(params []json.RawMessage) (any, *RPCError)
	calls   []string
}

func newRPCHandler() *rpcHandler {
	return &rpcHandler{methods: make(map[string]func([]json.RawMessage) (any, *RPCError))}
}

func (h *rpcHandler) on(method string, fn func(params []json.RawMessage) (any, *RPCError)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[method] = fn
}

func (h *rpcHandler) result(method string, v any) {
	h.on(method, func([]json.RawMessage) (any, *RPCError) { return v, nil })
}

func (h *rpcHandler) called() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type testRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type testResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

func (h *rpcHandler) handle(req testRequest) testResponse {
	h.mu.Lock()
	h.calls = append(h.calls, req.Method)
	fn := h.methods[req.Method]
	h.mu.Unlock()

	resp := testResponse{JSONRPC: "2.0", ID: req.ID}
	if fn == nil {
		resp.Error = &RPCError{Code: -32601, Message: "method not found: " + req.Method}
		return resp
	}
	resp.Result, resp.Error = fn(req.Params)
	return resp
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWS(w, r)
		return
	}
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.handle(req))
}

func (h *rpcHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var req testRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if err := conn.WriteJSON(h.handle(req)); err != nil {
			return
		}
	}
}

func newRPCServer(t *testing.T) (*rpcHandler, *httptest.Server) {
	t.Helper()
	h := newRPCHandler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func stringParam(t *testing.T, p json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(p, &s); err != nil {
		t.Errorf("param is not a string: %s", p)
	}
	return s
}
