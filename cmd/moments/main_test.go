package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-moments/internal/bot"
	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/internal/server"
	"github.com/celerix-dev/celerix-moments/pkg/sdk"
)

func startBridge(t *testing.T) (*engine.Store, string) {
	t.Helper()
	store := engine.NewStore(nil, nil)
	router := server.NewRouter(nil, nil)
	router.SetHandler(bot.New(store, nil, router))
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
	return store, addr
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--addr", addr, "--tls=false"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_CaptureFlow(t *testing.T) {
	store, addr := startBridge(t)

	out, err := run(t, addr, "ping")
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", out)

	_, err = run(t, addr, "--locale", "ru-RU", "command", "42", "start")
	require.NoError(t, err)
	_, err = run(t, addr, "press", "42", "add")
	require.NoError(t, err)

	out, err = run(t, addr, "say", "42", "Had", "a", "great", "walk")
	require.NoError(t, err)
	var ack sdk.Ack
	require.NoError(t, json.Unmarshal([]byte(out), &ack))
	require.NotNil(t, ack.Moment)
	assert.Equal(t, "Had a great walk", ack.Moment.Content)
	assert.Equal(t, "idle", ack.Mode)

	u, err := store.User("42")
	require.NoError(t, err)
	assert.Equal(t, "ru", u.Locale)
}

func TestCLI_Errors(t *testing.T) {
	_, addr := startBridge(t)

	_, err := run(t, addr, "command", "42", "start")
	require.NoError(t, err)
	_, err = run(t, addr, "command", "42", "teleport")
	assert.ErrorIs(t, err, sdk.ErrRemote)

	_, err = run(t, addr, "say", "42")
	assert.Error(t, err)
}
