package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestIdemMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	status := http.StatusCreated
	calls := 0
	h := Idem{R: client, TTL: time.Hour}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(status)
	}))
	request := func(user, key string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/mandates", nil)
		req = req.WithContext(WithUserID(req.Context(), user))
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusCreated, request("u1", "k1"))
	require.Equal(t, http.StatusConflict, request("u1", "k1"))
	require.Equal(t, http.StatusCreated, request("u2", "k1"), "keys are scoped per user")
	require.Equal(t, http.StatusCreated, request("u1", ""))
	require.Equal(t, 3, calls)

	status = http.StatusBadGateway
	require.Equal(t, http.StatusBadGateway, request("u1", "k2"))
	status = http.StatusCreated
	require.Equal(t, http.StatusCreated, request("u1", "k2"), "server errors release the key")
}
