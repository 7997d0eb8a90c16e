package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// SecretHeader carries the shared secret on HTTP RPC requests.
const SecretHeader = "X-Concierge-Secret"

const (
	maxAuthAttempts = 3
	challengeTTL    = 30 * time.Second
)

// AuthHandler checks callers against the gateway shared secret. HTTP
// callers present the secret itself; websocket clients prove they hold it
// by signing a one-time challenge together with the tenant they act for,
// which pins the connection to that tenant.
type AuthHandler struct {
	secret []byte
	now    func() time.Time
}

// NewAuthHandler returns an AuthHandler for sharedSecret.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{secret: []byte(sharedSecret), now: time.Now}
}

// CheckSecret compares a presented secret in constant time.
func (a *AuthHandler) CheckSecret(presented string) bool {
	if presented == "" || len(a.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a.secret, []byte(presented)) == 1
}

// NewChallenge issues a random challenge to client and resets its timer.
func (a *AuthHandler) NewChallenge(client *Client) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	client.Challenge = hex.EncodeToString(buf)
	client.ChallengedAt = a.now()
	client.State = StateAuthenticating
	return client.Challenge, nil
}

// Sign returns the expected answer to challenge for tenantID. An empty
// tenant yields an operator connection that may act for any tenant.
func (a *AuthHandler) Sign(challenge, tenantID string) string {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(challenge))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify processes a client's answer. On success the client is bound to
// the tenant in resp and the challenge is spent.
func (a *AuthHandler) Verify(client *Client, resp AuthResponse) AuthResult {
	fail := func(msg string) AuthResult {
		return AuthResult{Event: "auth.failure", Message: msg}
	}

	if client.Challenge == "" {
		return fail("No challenge found")
	}
	if a.now().Sub(client.ChallengedAt) > challengeTTL {
		client.Challenge = ""
		client.AuthAttempts = maxAuthAttempts
		return fail("Challenge expired")
	}

	want := a.Sign(client.Challenge, resp.TenantID)
	if subtle.ConstantTimeCompare([]byte(want), []byte(resp.Signature)) != 1 {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return fail("Too many failed attempts")
		}
		return fail("Invalid signature")
	}

	client.Authenticated = true
	client.TenantID = resp.TenantID
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: "auth.success", Success: true, TenantID: resp.TenantID}
}

// scopeParams pins params to the client's tenant. It fills a missing
// tenant_id and refuses a different one. Operator connections pass through.
func scopeParams(client *Client, params map[string]interface{}) (map[string]interface{}, bool) {
	if client.TenantID == "" {
		return params, true
	}
	if params == nil {
		params = make(map[string]interface{})
	}
	switch v := params["tenant_id"].(type) {
	case nil:
		params["tenant_id"] = client.TenantID
	case string:
		if v == "" {
			params["tenant_id"] = client.TenantID
		} else if v != client.TenantID {
			return params, false
		}
	default:
		return params, false
	}
	return params, true
}
