package sdk_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-moments/internal/bot"
	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/internal/server"
	"github.com/celerix-dev/celerix-moments/internal/vault"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
	"github.com/celerix-dev/celerix-moments/pkg/sdk"
)

func startBridge(t *testing.T, withTLS bool) (*server.Router, *engine.Store, string) {
	t.Helper()
	store := engine.NewStore(nil, nil)
	router := server.NewRouter(nil, nil)
	router.SetHandler(bot.New(store, nil, router))
	if withTLS {
		cert, err := vault.GenerateSelfSignedCert()
		require.NoError(t, err)
		router.SetCertificate(cert)
	}
	go router.Listen("0")
	t.Cleanup(router.Stop)

	var addr string
	require.Eventually(t, func() bool {
		a := router.Addr()
		if a == nil {
			return false
		}
		addr = fmt.Sprintf("127.0.0.1:%d", a.(*net.TCPAddr).Port)
		return true
	}, 2*time.Second, 20*time.Millisecond)
	return router, store, addr
}

func TestClient_Integration(t *testing.T) {
	_, store, addr := startBridge(t, false)

	client, err := sdk.Connect(addr, sdk.WithTLS(false))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping())

	ack, err := client.Command("42", "start")
	require.NoError(t, err)
	assert.Equal(t, "idle", ack.Mode)
	require.Len(t, ack.Replies, 1)

	ack, err = client.Press("42", "add")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_input", ack.Mode)

	msg := schema.Interaction{ID: "fixed-1", UserID: "42", Kind: schema.InteractionMessage, Text: "Had a great walk"}
	ack, err = client.Send(msg)
	require.NoError(t, err)
	require.NotNil(t, ack.Moment)
	assert.Equal(t, "Had a great walk", ack.Moment.Content)
	assert.Equal(t, "idle", ack.Mode)

	ack, err = client.Send(msg)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	moments, err := store.Moments("42")
	require.NoError(t, err)
	assert.Len(t, moments, 1)

	_, err = client.Command("42", "teleport")
	assert.ErrorIs(t, err, sdk.ErrRemote)
	assert.ErrorContains(t, err, "unknown command")

	// the connection survives an ERR reply
	_, err = client.Say("42", "hello")
	assert.NoError(t, err)
}

func TestClient_TLS(t *testing.T) {
	_, _, addr := startBridge(t, true)

	client, err := sdk.Connect(addr)
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping())
}

func TestClient_ConnectFails(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = sdk.Connect(addr, sdk.WithTLS(false))
	assert.Error(t, err)
}

func TestListen(t *testing.T) {
	router, _, addr := startBridge(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	prompts := make(chan schema.Prompt, 4)
	done := make(chan error, 1)
	go func() {
		done <- sdk.Listen(ctx, addr, false, func(_ context.Context, p schema.Prompt) { prompts <- p }, nil)
	}()
	require.Eventually(t, func() bool { return router.Listeners() == 1 }, 2*time.Second, 20*time.Millisecond)

	client, err := sdk.Connect(addr, sdk.WithTLS(false))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Command("42", "start")
	require.NoError(t, err)

	select {
	case p := <-prompts:
		assert.Equal(t, "42", p.UserID)
		assert.NotEmpty(t, p.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no prompt received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not stop")
	}
}

func TestAddrFromEnv(t *testing.T) {
	t.Setenv("MOMENTS_BRIDGE_ADDR", "")
	assert.Equal(t, sdk.DefaultAddr, sdk.AddrFromEnv())
	t.Setenv("MOMENTS_BRIDGE_ADDR", "bridge:9000")
	assert.Equal(t, "bridge:9000", sdk.AddrFromEnv())

	t.Setenv("MOMENTS_DISABLE_TLS", "true")
	assert.False(t, sdk.TLSFromEnv())
}
