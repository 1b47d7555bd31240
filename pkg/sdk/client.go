// Package sdk is the client library for the moments platform bridge.
// Messaging-platform adapters use it to submit user interactions and to
// receive the prompts the service wants delivered.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

const attempts = 3

// Client is a request/response connection to the bridge.
// It is safe for concurrent use; requests are serialised.
type Client struct {
	addr    string
	useTLS  bool
	timeout time.Duration
	log     *logger.Logger

	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects concurrent access to the connection
}

// Option configures a Client.
type Option func(*Client)

// WithTLS turns TLS on or off. Bridge certificates are self-signed, so the
// peer is not verified.
func WithTLS(on bool) Option { return func(c *Client) { c.useTLS = on } }

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithLogger(l *logger.Logger) Option { return func(c *Client) { c.log = l } }

// Connect establishes a TLS-encrypted connection to the bridge at addr.
func Connect(addr string, opts ...Option) (*Client, error) {
	c := &Client{addr: addr, useTLS: true, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func dial(addr string, useTLS bool) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	if !useTLS {
		return dialer.Dial("tcp", addr)
	}
	config := &tls.Config{
		InsecureSkipVerify: true, // self-signed certs for internal traffic
	}
	return tls.DialWithDialer(dialer, "tcp", addr, config)
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	conn, err := dial(c.addr, c.useTLS)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// sendAndReceive writes one request line and returns the payload of the OK
// reply. Transport failures are retried on a fresh connection.
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	var resp string

	for i := 0; i < attempts; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		c.conn.SetDeadline(time.Now().Add(c.timeout))

		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				resp = strings.TrimSpace(resp)
				switch {
				case strings.HasPrefix(resp, "ERR"):
					return "", fmt.Errorf("%w: %s", ErrRemote, strings.TrimSpace(strings.TrimPrefix(resp, "ERR")))
				case resp == "OK" || resp == "PONG":
					return "", nil
				case strings.HasPrefix(resp, "OK "):
					return strings.TrimPrefix(resp, "OK "), nil
				default:
					return "", fmt.Errorf("%w: %q", ErrUnexpectedReply, resp)
				}
			}
		}

		c.log.Warn("Bridge request failed, reconnecting", "attempt", i+1, "error", err)
		if closeErr := c.reconnect(); closeErr != nil {
			c.log.Warn("Reconnect attempt failed", "error", closeErr)
		}

		// exponential backoff
		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after %d attempts. last error: %w", attempts, err)
}

// Send submits an interaction. An empty ID is filled with a fresh UUID; a
// retried request keeps its ID so the service can drop the duplicate.
func (c *Client) Send(in schema.Interaction) (Ack, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	data, err := json.Marshal(in)
	if err != nil {
		return Ack{}, err
	}
	resp, err := c.sendAndReceive("IN " + string(data))
	if err != nil {
		return Ack{}, err
	}
	var ack Ack
	if err := json.Unmarshal([]byte(resp), &ack); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return ack, nil
}

// Say sends a text message from user.
func (c *Client) Say(user, text string) (Ack, error) {
	return c.Send(schema.Interaction{UserID: user, Kind: schema.InteractionMessage, Text: text})
}

// Command sends a bot command such as "add" or "interval 4".
func (c *Client) Command(user, name string, args ...string) (Ack, error) {
	return c.Send(schema.Interaction{UserID: user, Kind: schema.InteractionCommand, Command: name, Args: args})
}

// Press sends a button press.
func (c *Client) Press(user, action string) (Ack, error) {
	return c.Send(schema.Interaction{UserID: user, Kind: schema.InteractionButton, Action: action})
}

// Ping checks the connection.
func (c *Client) Ping() error {
	_, err := c.sendAndReceive("PING")
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Listen attaches to the bridge as a platform listener and calls fn for every
// prompt until ctx is done. Lost connections are re-established with backoff.
func Listen(ctx context.Context, addr string, useTLS bool, fn PromptHandler, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	backoff := 200 * time.Millisecond
	for {
		err := listenOnce(ctx, addr, useTLS, fn)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("Bridge listener disconnected", "addr", addr, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

func listenOnce(ctx context.Context, addr string, useTLS bool, fn PromptHandler) error {
	conn, err := dial(addr, useTLS)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	if _, err := fmt.Fprintln(conn, "LISTEN"); err != nil {
		return err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) != "OK" {
		return fmt.Errorf("%w: %q", ErrUnexpectedReply, line)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		payload, ok := strings.CutPrefix(strings.TrimSpace(line), "PROMPT ")
		if !ok {
			continue
		}
		var p schema.Prompt
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			continue
		}
		fn(ctx, p)
	}
}
