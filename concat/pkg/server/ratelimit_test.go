package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestTablecat_Server_RateLimiter(t *testing.T) {
	t.Parallel()

	t.Run("burst then deny per ip", func(t *testing.T) {
		t.Parallel()
		rl := NewRateLimiter(rate.Limit(1), 2)

		for i := 0; i < 2; i++ {
			allowed, _ := rl.AllowWithRetry("192.168.1.1")
			require.True(t, allowed, "request %d should be allowed", i+1)
		}
		allowed, retryAfter := rl.AllowWithRetry("192.168.1.1")
		require.False(t, allowed)
		require.Positive(t, retryAfter)

		allowed, _ = rl.AllowWithRetry("192.168.1.2")
		require.True(t, allowed, "other ips have their own bucket")
	})

	t.Run("client ip", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.1.2.3:5555"
		require.Equal(t, "10.1.2.3", clientIP(r))
		r.RemoteAddr = "10.1.2.3"
		require.Equal(t, "10.1.2.3", clientIP(r))
	})
}
