package gateway

import (
	"sync"
	"time"
)

type subscription struct {
	tenantID  string
	sessionID string
}

// ClientRegistry manages connected websocket clients and the sessions each
// one follows. A client follows every session it has chatted in or acted on.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	subs    map[string]map[subscription]struct{}
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		subs:    make(map[string]map[subscription]struct{}),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove removes a client and its subscriptions
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	delete(r.subs, clientID)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Subscribe makes clientID follow the events of one tenant session.
func (r *ClientRegistry) Subscribe(clientID, tenantID, sessionID string) {
	if clientID == "" || tenantID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return
	}
	set, ok := r.subs[clientID]
	if !ok {
		set = make(map[subscription]struct{})
		r.subs[clientID] = set
	}
	set[subscription{tenantID: tenantID, sessionID: sessionID}] = struct{}{}
}

// Subscribers returns the authenticated clients following a tenant session.
func (r *ClientRegistry) Subscribers(tenantID, sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := subscription{tenantID: tenantID, sessionID: sessionID}
	var out []*Client
	for id, set := range r.subs {
		if _, ok := set[key]; !ok {
			continue
		}
		if client, ok := r.clients[id]; ok && client.Authenticated {
			out = append(out, client)
		}
	}
	return out
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			TenantID:      client.TenantID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Subscriptions: len(r.subs[client.ID]),
			Idle:          now.Sub(client.LastActivity) > 5*time.Minute,
		})
	}
	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
