// AngelaMos | 2026
// server_test.go

package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erisrwa/portal/internal/config"
)

type drainRecorder struct {
	ready    bool
	shutdown bool
}

func (d *drainRecorder) SetReady(ready bool)       { d.ready = ready }
func (d *drainRecorder) SetShutdown(shutdown bool) { d.shutdown = shutdown }

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServerServesAndDrains(t *testing.T) {
	drain := &drainRecorder{ready: true}
	srv := New(Config{
		ServerConfig: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         freePort(t),
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			IdleTimeout:  time.Second,
		},
		HealthHandler: drain,
	})
	srv.Router().Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	url := "http://" + srv.httpServer.Addr + "/ping"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx, 10*time.Millisecond))

	assert.False(t, drain.ready)
	assert.True(t, drain.shutdown)
	assert.NoError(t, <-errc)
}
