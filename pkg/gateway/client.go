package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientState tracks a websocket connection through authentication.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// Client is one websocket connection.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	// TenantID is the tenant the connection signed for; empty for operators.
	TenantID     string
	Challenge    string
	ChallengedAt time.Time
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	AuthAttempts int
	RateLimiter  *ClientRateLimiter
	State        ClientState

	writeMu sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a raw frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// ClientInfo is the exported view of a connected client.
type ClientInfo struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	Subscriptions int       `json:"subscriptions"`
	Idle          bool      `json:"idle"`
}
