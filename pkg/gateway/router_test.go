package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		handler := func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return "result", nil
		}

		err := router.RegisterMethod("test.method", handler)
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should replace existing method", func(t *testing.T) {
		handler1 := func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return "result1", nil
		}
		handler2 := func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return "result2", nil
		}

		router.RegisterMethod("test.replace", handler1)
		router.RegisterMethod("test.replace", handler2)

		assert.True(t, router.HasMethod("test.replace"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})
}

func TestRPCRouter_UnregisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should unregister method", func(t *testing.T) {
		handler := func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return "result", nil
		}

		router.RegisterMethod("test.method", handler)
		assert.True(t, router.HasMethod("test.method"))

		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
	})

	t.Run("should handle unregistering non-existent method", func(t *testing.T) {
		router.UnregisterMethod("non.existent")
		// Should not panic
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		data := []byte(`{"id":"1","method":"test.method","params":{"key":"value"}}`)

		req, err := router.ParseRequest(data)
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.method", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		data := []byte(`{invalid json}`)

		_, err := router.ParseRequest(data)
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should reject request without id", func(t *testing.T) {
		data := []byte(`{"method":"test.method"}`)

		_, err := router.ParseRequest(data)
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing id")
	})

	t.Run("should reject request without method", func(t *testing.T) {
		data := []byte(`{"id":"1"}`)

		_, err := router.ParseRequest(data)
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing method")
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should route to registered handler", func(t *testing.T) {
		handler := func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"echo": params["input"],
			}, nil
		}

		router.RegisterMethod("test.echo", handler)

		req := &RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: map[string]interface{}{
				"input": "hello",
			},
		}

		resp := router.RouteRequest(context.Background(), req)
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Error)
		assert.NotNil(t, resp.Result)

		result := resp.Result.(map[string]interface{})
		assert.Equal(t, "hello", result["echo"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		req := &RPCRequest{
			ID:     "1",
			Method: "unknown.method",
		}

		resp := router.RouteRequest(context.Background(), req)
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Result)
		assert.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should return error when handler fails", func(t *testing.T) {
		handler := func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("handler error")
		}

		router.RegisterMethod("test.error", handler)

		req := &RPCRequest{
			ID:     "1",
			Method: "test.error",
		}

		resp := router.RouteRequest(context.Background(), req)
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Result)
		assert.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should preserve request ID in response", func(t *testing.T) {
		handler := func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		}

		router.RegisterMethod("test.id", handler)

		req := &RPCRequest{
			ID:     "unique-id-123",
			Method: "test.id",
		}

		resp := router.RouteRequest(context.Background(), req)
		assert.Equal(t, "unique-id-123", resp.ID)
	})
}

func TestRPCRouter_GetMethods(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should return all registered methods", func(t *testing.T) {
		handler := func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, nil
		}

		router.RegisterMethod("method1", handler)
		router.RegisterMethod("method2", handler)
		router.RegisterMethod("method3", handler)

		methods := router.GetMethods()
		assert.Len(t, methods, 3)
		assert.Contains(t, methods, "method1")
		assert.Contains(t, methods, "method2")
		assert.Contains(t, methods, "method3")
	})

	t.Run("should return empty list when no methods registered", func(t *testing.T) {
		router := NewRPCRouter()
		methods := router.GetMethods()
		assert.Empty(t, methods)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	var seenKey string
	require.NoError(t, router.RegisterMethod("chat", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		calls++
		seenKey = idempotencyKeyFromContext(ctx)
		return fmt.Sprintf("reply-%d", calls), nil
	}))

	req := func(id, tenant string) *RPCRequest {
		return &RPCRequest{
			ID:             id,
			Method:         "chat",
			Params:         map[string]interface{}{"tenant_id": tenant},
			IdempotencyKey: "key-1",
		}
	}

	t.Run("should replay the first response with the new request id", func(t *testing.T) {
		first := router.RouteRequest(context.Background(), req("1", "salon-1"))
		second := router.RouteRequest(context.Background(), req("2", "salon-1"))

		assert.Equal(t, "reply-1", first.Result)
		assert.Equal(t, "reply-1", second.Result)
		assert.Equal(t, "2", second.ID)
		assert.Equal(t, 1, calls)
		assert.Equal(t, "key-1", seenKey)
	})

	t.Run("should not share cached responses across tenants", func(t *testing.T) {
		other := router.RouteRequest(context.Background(), req("3", "salon-2"))
		assert.Equal(t, "reply-2", other.Result)
		assert.Equal(t, 2, calls)
	})
}

func TestRPCRouter_FailedResponsesAreNotCached(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	require.NoError(t, router.RegisterMethod("flaky", func(context.Context, map[string]interface{}) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("temporary")
		}
		return "ok", nil
	}))

	req := &RPCRequest{ID: "1", Method: "flaky", IdempotencyKey: "k"}
	first := router.RouteRequest(context.Background(), req)
	require.NotNil(t, first.Error)

	second := router.RouteRequest(context.Background(), req)
	assert.Nil(t, second.Error)
	assert.Equal(t, "ok", second.Result)
}

func TestRPCRouter_ErrorMapper(t *testing.T) {
	router := NewRPCRouter()
	router.SetErrorMapper(func(err error) *RPCError {
		return &RPCError{Code: Unavailable, Message: "mapped"}
	})
	require.NoError(t, router.RegisterMethod("boom", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("raw")
	}))
	require.NoError(t, router.RegisterMethod("typed", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, invalidParams("x is required")
	}))

	resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "boom"})
	assert.Equal(t, Unavailable, resp.Error.Code)
	assert.Equal(t, "mapped", resp.Error.Message)

	resp = router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "typed"})
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestRPCRouter_ConcurrentDuplicatesShareOneCall(t *testing.T) {
	router := NewRPCRouter()
	release := make(chan struct{})
	var calls int32
	require.NoError(t, router.RegisterMethod("proposal.confirm", func(context.Context, map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "executed", nil
	}))

	const n = 5
	results := make(chan *RPCResponse, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			results <- router.RouteRequest(context.Background(), &RPCRequest{
				ID:             fmt.Sprint(i),
				Method:         "proposal.confirm",
				Params:         map[string]interface{}{"tenant_id": "salon-1"},
				IdempotencyKey: "confirm-p1",
			})
		}(i)
	}

	// Let the goroutines pile up behind the first call.
	time.Sleep(50 * time.Millisecond)
	close(release)

	ids := map[string]bool{}
	for i := 0; i < n; i++ {
		resp := <-results
		assert.Equal(t, "executed", resp.Result)
		ids[resp.ID] = true
	}
	assert.Len(t, ids, n, "each caller keeps its own request id")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestReplayCache_Bounded(t *testing.T) {
	cache := newReplayCache(time.Minute, 2)
	now := time.Now()
	cache.now = func() time.Time { return now }

	for i, key := range []string{"a", "b", "c"} {
		now = now.Add(time.Second)
		cache.do(key, func() RPCResponse { return RPCResponse{Result: i} })
	}
	assert.Equal(t, 2, cache.len())

	calls := 0
	resp := cache.do("a", func() RPCResponse { calls++; return RPCResponse{Result: "fresh"} })
	assert.Equal(t, "fresh", resp.Result, "oldest entry was evicted")
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	resp = cache.do("c", func() RPCResponse { return RPCResponse{Result: "expired"} })
	assert.Equal(t, "expired", resp.Result)
}
