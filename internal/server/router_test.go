package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-moments/internal/bot"
	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/internal/vault"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

func startRouter(t *testing.T, cert *tls.Certificate) (*Router, *engine.Store, string) {
	t.Helper()
	store := engine.NewStore(nil, nil)
	router := NewRouter(nil, nil)
	router.SetHandler(bot.New(store, nil, router))
	if cert != nil {
		router.SetCertificate(*cert)
	}

	go router.Listen("0")

	// Wait a bit for listener to be set
	var port string
	for i := 0; i < 20; i++ {
		time.Sleep(50 * time.Millisecond)
		if addr := router.Addr(); addr != nil {
			port = fmt.Sprintf("%d", addr.(*net.TCPAddr).Port)
			break
		}
	}
	require.NotEmpty(t, port, "server did not start in time")
	t.Cleanup(router.Stop)
	return router, store, port
}

func dial(t *testing.T, port string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, reader *bufio.Reader, line string) string {
	t.Helper()
	fmt.Fprintf(conn, "%s\n", line)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := reader.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(resp, "\n")
}

func decodeResult(t *testing.T, resp string) map[string]any {
	t.Helper()
	require.True(t, strings.HasPrefix(resp, "OK "), "got %q", resp)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(resp, "OK ")), &out))
	return out
}

func TestRouter_Interactions(t *testing.T) {
	_, store, port := startRouter(t, nil)
	conn, reader := dial(t, port)

	assert.Equal(t, "PONG", roundTrip(t, conn, reader, "PING"))

	res := decodeResult(t, roundTrip(t, conn, reader, "CMD e1 42 start"))
	assert.Equal(t, "idle", res["mode"])

	res = decodeResult(t, roundTrip(t, conn, reader, "BTN e2 42 add"))
	assert.Equal(t, "awaiting_input", res["mode"])

	res = decodeResult(t, roundTrip(t, conn, reader, "MSG e3 42 Had a great  walk"))
	assert.Equal(t, "idle", res["mode"])
	moment, ok := res["moment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Had a great  walk", moment["content"])

	res = decodeResult(t, roundTrip(t, conn, reader, "MSG e3 42 Had a great  walk"))
	assert.Equal(t, true, res["duplicate"])

	moments, err := store.Moments("42")
	require.NoError(t, err)
	assert.Len(t, moments, 1)

	resp := roundTrip(t, conn, reader, "CMD e4 42 teleport")
	assert.True(t, strings.HasPrefix(resp, "ERR unknown command"), resp)
}

func TestRouter_JSONInteraction(t *testing.T) {
	_, store, port := startRouter(t, nil)
	conn, reader := dial(t, port)

	in, err := json.Marshal(schema.Interaction{
		ID: "j1", UserID: "7", Kind: schema.InteractionCommand, Command: "start", Locale: "ru",
	})
	require.NoError(t, err)
	decodeResult(t, roundTrip(t, conn, reader, "IN "+string(in)))

	u, err := store.User("7")
	require.NoError(t, err)
	assert.Equal(t, "ru", u.Locale)
}

func TestRouter_MalformedCommands(t *testing.T) {
	_, _, port := startRouter(t, nil)
	conn, reader := dial(t, port)

	assert.Equal(t, "ERR invalid json interaction", roundTrip(t, conn, reader, "IN {broken"))
	assert.Equal(t, "ERR usage: MSG <id> <user> <value>", roundTrip(t, conn, reader, "MSG 1 42"))
	assert.Equal(t, "ERR usage: CMD <id> <user> <command> [args...]", roundTrip(t, conn, reader, "CMD 1"))
	assert.Equal(t, "ERR unknown command FLY", roundTrip(t, conn, reader, "fly away"))
	assert.Equal(t, "PONG", roundTrip(t, conn, reader, "PING"))
}

func TestRouter_ListenerReceivesPrompts(t *testing.T) {
	router, _, port := startRouter(t, nil)

	err := router.SendPrompt(context.Background(), schema.Prompt{UserID: "42", Text: "hi"})
	assert.ErrorIs(t, err, ErrNoListener)

	lconn, lreader := dial(t, port)
	assert.Equal(t, "OK", roundTrip(t, lconn, lreader, "LISTEN"))
	assert.Equal(t, 1, router.Listeners())

	conn, reader := dial(t, port)
	decodeResult(t, roundTrip(t, conn, reader, "CMD e1 42 start"))

	lconn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := lreader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "PROMPT "), line)

	var p schema.Prompt
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "PROMPT ")), &p))
	assert.Equal(t, "42", p.UserID)
	assert.NotEmpty(t, p.Controls)

	lconn.Close()
	assert.Eventually(t, func() bool { return router.Listeners() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestRouter_TLS(t *testing.T) {
	cert, err := vault.GenerateSelfSignedCert()
	require.NoError(t, err)
	_, _, port := startRouter(t, &cert)

	conn, err := tls.Dial("tcp", "127.0.0.1:"+port, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)
	assert.Equal(t, "PONG", roundTrip(t, conn, reader, "PING"))
}

func TestRouter_ConcurrentConnections(t *testing.T) {
	_, _, port := startRouter(t, nil)

	conns := make([]net.Conn, 0)
	for i := 0; i < 110; i++ {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, 100*time.Millisecond)
		if err == nil {
			conns = append(conns, conn)
		}
	}
	for _, c := range conns {
		c.Close()
	}

	conn, reader := dial(t, port)
	assert.Equal(t, "PONG", roundTrip(t, conn, reader, "PING"))
}

func TestRest(t *testing.T) {
	assert.Equal(t, "Had a great  walk", rest("MSG e3 42 Had a great  walk", 3))
	assert.Equal(t, "", rest("MSG e3 42", 3))
	assert.Equal(t, `{"a":1}`, rest(`IN   {"a":1}`, 1))
}
