package gateway

// RPCRequest is a JSON-RPC 2.0 request. IdempotencyKey is an extension:
// a retried request with the same key and tenant gets the first answer.
type RPCRequest struct {
	JSONRPC        string                 `json:"jsonrpc"`
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

func (r RPCResponse) clone() RPCResponse {
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}

// RPCError is a JSON-RPC 2.0 error object. It doubles as a Go error so
// handlers can return a precise wire error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Standard JSON-RPC codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Gateway codes, in the implementation-defined server error range.
const (
	AuthenticationRequired = -32001
	TenantMismatch         = -32002
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	NotFound               = -32010
	SessionPaused          = -32011
	ExecutionFailed        = -32012
	Unavailable            = -32013
)

// EventMessage is a server-initiated websocket frame.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	TenantID  string      `json:"tenant_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// AuthChallenge opens every websocket connection.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse answers an AuthChallenge. Signature is
// hex(HMAC-SHA256(secret, challenge || 0x00 || tenant_id)).
type AuthResponse struct {
	Method    string `json:"method"`
	TenantID  string `json:"tenant_id,omitempty"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of an AuthResponse.
type AuthResult struct {
	Event    string `json:"event"`
	Success  bool   `json:"success,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Message  string `json:"message,omitempty"`
}
