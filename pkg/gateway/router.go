package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// RequestHandler serves one RPC method. Returning an *RPCError controls the
// wire error; any other error goes through the router's error mapper.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPCRouter dispatches parsed JSON-RPC requests to method handlers.
type RPCRouter struct {
	mu       sync.RWMutex
	methods  map[string]RequestHandler
	mapError func(error) *RPCError
	replay   *replayCache
}

// NewRPCRouter returns a router with no methods.
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:  make(map[string]RequestHandler),
		mapError: internalError,
		replay:   newReplayCache(defaultReplayTTL, defaultReplayMaxEntries),
	}
}

func internalError(err error) *RPCError {
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// RegisterMethod adds or replaces the handler for name.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes name. Unknown names are ignored.
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// HasMethod reports whether name has a handler.
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// GetMethods returns the registered method names, sorted.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SetErrorMapper sets how plain handler errors become RPC errors. nil
// restores the InternalError mapping.
func (r *RPCRouter) SetErrorMapper(fn func(error) *RPCError) {
	if fn == nil {
		fn = internalError
	}
	r.mu.Lock()
	r.mapError = fn
	r.mu.Unlock()
}

// ParseRequest decodes one request frame. An id and a method are required;
// a missing jsonrpc version defaults to 2.0.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req.Method. A request with an
// idempotency key is answered from the replay cache, keyed by method and
// tenant_id, when an earlier call with that key succeeded or is running.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	r.mu.RLock()
	handler, ok := r.methods[req.Method]
	mapError := r.mapError
	r.mu.RUnlock()
	if !ok {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	call := func() RPCResponse {
		hctx := ctx
		if req.IdempotencyKey != "" {
			hctx = withIdempotencyKey(ctx, req.IdempotencyKey)
		}
		result, err := handler(hctx, req.Params)
		if err == nil {
			return RPCResponse{JSONRPC: "2.0", Result: result}
		}
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = mapError(err)
		}
		return RPCResponse{JSONRPC: "2.0", Error: rpcErr}
	}

	var resp RPCResponse
	tenantID, _ := req.Params["tenant_id"].(string)
	if key := replayKey(req.Method, tenantID, req.IdempotencyKey); key != "" {
		resp = r.replay.do(key, call)
	} else {
		resp = call()
	}
	resp.ID = req.ID
	return &resp
}
