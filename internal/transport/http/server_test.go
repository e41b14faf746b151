package httpt

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServer_StopsOnContextCancel(t *testing.T) {
	srv, err := NewServer(http.NotFoundHandler(), ServerConfig{Addr: "127.0.0.1:0"}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ListenFailure(t *testing.T) {
	srv, err := NewServer(http.NotFoundHandler(), ServerConfig{Addr: "256.0.0.1:bad"}, zap.NewNop())
	require.NoError(t, err)

	err = srv.Start(context.Background())
	require.Error(t, err)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, ServerConfig{Addr: ":0"}, zap.NewNop())
	require.Error(t, err)

	_, err = NewServer(http.NotFoundHandler(), ServerConfig{}, zap.NewNop())
	require.Error(t, err)
}
