package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_CheckSecret(t *testing.T) {
	auth := NewAuthHandler("s3cret")
	assert.True(t, auth.CheckSecret("s3cret"))
	assert.False(t, auth.CheckSecret("s3cre"))
	assert.False(t, auth.CheckSecret(""))

	assert.False(t, NewAuthHandler("").CheckSecret(""), "an empty secret never authenticates")
}

func TestAuthHandler_NewChallenge(t *testing.T) {
	auth := NewAuthHandler("s3cret")
	client := &Client{}

	first, err := auth.NewChallenge(client)
	require.NoError(t, err)
	assert.Len(t, first, 64)
	assert.Equal(t, first, client.Challenge)
	assert.Equal(t, StateAuthenticating, client.State)

	second, err := auth.NewChallenge(client)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestAuthHandler_SignBindsTenant(t *testing.T) {
	auth := NewAuthHandler("s3cret")

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte("abc\x00salon-1"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), auth.Sign("abc", "salon-1"))

	assert.NotEqual(t, auth.Sign("abc", "salon-1"), auth.Sign("abc", "salon-2"))
	assert.NotEqual(t, auth.Sign("abc", ""), auth.Sign("abc", "salon-1"))
}

func TestAuthHandler_Verify(t *testing.T) {
	newClient := func(t *testing.T, auth *AuthHandler) *Client {
		c := &Client{ID: "c1"}
		_, err := auth.NewChallenge(c)
		require.NoError(t, err)
		return c
	}

	t.Run("valid signature binds the tenant", func(t *testing.T) {
		auth := NewAuthHandler("s3cret")
		client := newClient(t, auth)

		result := auth.Verify(client, AuthResponse{TenantID: "salon-1", Signature: auth.Sign(client.Challenge, "salon-1")})
		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.Equal(t, "salon-1", result.TenantID)
		assert.True(t, client.Authenticated)
		assert.Equal(t, "salon-1", client.TenantID)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Empty(t, client.Challenge, "challenge is single use")
	})

	t.Run("signature for another tenant fails", func(t *testing.T) {
		auth := NewAuthHandler("s3cret")
		client := newClient(t, auth)

		result := auth.Verify(client, AuthResponse{TenantID: "salon-2", Signature: auth.Sign(client.Challenge, "salon-1")})
		assert.False(t, result.Success)
		assert.Equal(t, "Invalid signature", result.Message)
		assert.Equal(t, 1, client.AuthAttempts)
		assert.False(t, client.Authenticated)
	})

	t.Run("too many attempts", func(t *testing.T) {
		auth := NewAuthHandler("s3cret")
		client := newClient(t, auth)
		client.AuthAttempts = maxAuthAttempts - 1

		result := auth.Verify(client, AuthResponse{Signature: "bad"})
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.Equal(t, maxAuthAttempts, client.AuthAttempts)
	})

	t.Run("no challenge", func(t *testing.T) {
		auth := NewAuthHandler("s3cret")
		result := auth.Verify(&Client{}, AuthResponse{Signature: "x"})
		assert.Equal(t, "No challenge found", result.Message)
	})

	t.Run("expired challenge", func(t *testing.T) {
		auth := NewAuthHandler("s3cret")
		now := time.Now()
		auth.now = func() time.Time { return now }
		client := newClient(t, auth)
		sig := auth.Sign(client.Challenge, "")

		now = now.Add(challengeTTL + time.Second)
		result := auth.Verify(client, AuthResponse{Signature: sig})
		assert.False(t, result.Success)
		assert.Equal(t, "Challenge expired", result.Message)
		assert.Equal(t, maxAuthAttempts, client.AuthAttempts, "an expired connection is closed")
	})
}

func TestScopeParams(t *testing.T) {
	bound := &Client{TenantID: "salon-1"}

	params, ok := scopeParams(bound, nil)
	assert.True(t, ok)
	assert.Equal(t, "salon-1", params["tenant_id"])

	params, ok = scopeParams(bound, map[string]interface{}{"tenant_id": ""})
	assert.True(t, ok)
	assert.Equal(t, "salon-1", params["tenant_id"])

	_, ok = scopeParams(bound, map[string]interface{}{"tenant_id": "salon-2"})
	assert.False(t, ok)

	_, ok = scopeParams(bound, map[string]interface{}{"tenant_id": 7})
	assert.False(t, ok)

	operator := &Client{}
	params, ok = scopeParams(operator, map[string]interface{}{"tenant_id": "salon-2"})
	assert.True(t, ok)
	assert.Equal(t, "salon-2", params["tenant_id"])
}
