// Package server implements the platform bridge: a line-oriented TCP (or TLS)
// protocol through which a messaging-platform adapter submits interactions and
// receives prompts.
//
// Requests, one per line:
//
//	IN <json interaction>
//	MSG <id> <user> <text>
//	VOICE <id> <user> <ref>
//	CMD <id> <user> <command> [args...]
//	BTN <id> <user> <action>
//	LINK <id> <user> <payload>
//	LISTEN
//	PING
//	QUIT
//
// Interactions are answered with "OK <json result>" or "ERR <message>".
// After LISTEN the connection receives "PROMPT <json prompt>" lines for every
// outbound message.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-moments/internal/bot"
	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// ErrNoListener is returned by SendPrompt when no adapter is listening.
var ErrNoListener = errors.New("no platform listener attached")

const (
	maxConns       = 100
	requestTimeout = 30 * time.Second
	idleTimeout    = 5 * time.Minute
	writeTimeout   = 5 * time.Second
)

// Handler processes one interaction.
type Handler interface {
	HandleInteraction(ctx context.Context, in schema.Interaction) (bot.Result, error)
}

type Router struct {
	handler Handler
	cert    *tls.Certificate
	log     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	peers    map[*peer]struct{}
	stopped  bool
}

func NewRouter(h Handler, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{
		handler: h,
		log:     log.With("component", "Bridge"),
		peers:   make(map[*peer]struct{}),
	}
}

// SetHandler sets the interaction handler. It must be called before Listen.
func (r *Router) SetHandler(h Handler) {
	r.handler = h
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Addr returns the bound address once Listen is running.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server and blocks until Stop.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()
	r.log.Info("Bridge listening", "addr", listener.Addr().String(), "tls", r.cert != nil)

	semaphore := make(chan struct{}, maxConns)

	for {
		conn, err := listener.Accept()
		if err != nil {
			r.mu.Lock()
			stopped := r.stopped
			r.mu.Unlock()
			if stopped {
				return nil
			}
			continue
		}

		conn.SetDeadline(time.Now().Add(idleTimeout))

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

// Stop closes the listener and every connection that is listening for prompts.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.listener != nil {
		r.listener.Close()
	}
	for p := range r.peers {
		p.conn.Close()
		delete(r.peers, p)
	}
}

// peer serialises writes to one connection.
type peer struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (p *peer) send(a ...any) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := fmt.Fprintln(p.conn, a...)
	return err
}

func (r *Router) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	p := &peer{conn: conn}
	listening := false
	defer func() {
		if listening {
			r.detach(p)
		}
	}()

	for {
		if !listening {
			conn.SetReadDeadline(time.Now().Add(requestTimeout))
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return // Connection closed or timeout
		}

		line = strings.TrimSpace(line)
		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		command := strings.ToUpper(parts[0])

		switch command {
		case "IN":
			var in schema.Interaction
			if err := json.Unmarshal([]byte(rest(line, 1)), &in); err != nil {
				p.send("ERR invalid json interaction")
				continue
			}
			r.dispatch(p, in)

		case "MSG", "VOICE", "BTN", "LINK":
			if len(parts) < 4 {
				p.send("ERR usage:", command, "<id> <user> <value>")
				continue
			}
			in := schema.Interaction{ID: parts[1], UserID: parts[2]}
			switch command {
			case "MSG":
				in.Kind, in.Text = schema.InteractionMessage, rest(line, 3)
			case "VOICE":
				in.Kind, in.Text = schema.InteractionVoice, parts[3]
			case "BTN":
				in.Kind, in.Action = schema.InteractionButton, parts[3]
			case "LINK":
				in.Kind, in.Action = schema.InteractionDeepLink, parts[3]
			}
			r.dispatch(p, in)

		case "CMD":
			if len(parts) < 4 {
				p.send("ERR usage: CMD <id> <user> <command> [args...]")
				continue
			}
			r.dispatch(p, schema.Interaction{
				ID:      parts[1],
				UserID:  parts[2],
				Kind:    schema.InteractionCommand,
				Command: parts[3],
				Args:    parts[4:],
			})

		case "LISTEN":
			if !listening {
				listening = true
				conn.SetDeadline(time.Time{})
				r.attach(p)
			}
			p.send("OK")

		case "PING":
			p.send("PONG")

		case "QUIT":
			return

		default:
			p.send("ERR unknown command", command)
		}
	}
}

func (r *Router) dispatch(p *peer, in schema.Interaction) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res, err := r.handler.HandleInteraction(ctx, in)
	if err != nil {
		r.log.Debug("Interaction failed", "interaction_id", in.ID, "user_id", in.UserID, "error", err)
		p.send("ERR", err)
		return
	}
	out, err := json.Marshal(res)
	if err != nil {
		p.send("ERR internal error")
		return
	}
	p.send("OK", string(out))
}

func (r *Router) attach(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p] = struct{}{}
	r.log.Info("Platform listener attached", "remote", p.conn.RemoteAddr().String(), "listeners", len(r.peers))
}

func (r *Router) detach(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p]; ok {
		delete(r.peers, p)
		r.log.Info("Platform listener detached", "remote", p.conn.RemoteAddr().String(), "listeners", len(r.peers))
	}
}

// Listeners returns the number of attached platform listeners.
func (r *Router) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// SendPrompt broadcasts p to every attached listener. It succeeds when at
// least one listener accepted the line; listeners that fail are dropped.
func (r *Router) SendPrompt(ctx context.Context, p schema.Prompt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	peers := make([]*peer, 0, len(r.peers))
	for pe := range r.peers {
		peers = append(peers, pe)
	}
	r.mu.Unlock()
	if len(peers) == 0 {
		return ErrNoListener
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var errs []error
	delivered := 0
	for _, pe := range peers {
		if err := pe.send("PROMPT", string(data)); err != nil {
			errs = append(errs, err)
			r.detach(pe)
			pe.conn.Close()
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("all listeners failed: %w", errors.Join(errs...))
	}
	return nil
}

// rest returns line without its first n space-separated fields.
func rest(line string, n int) string {
	s := line
	for i := 0; i < n; i++ {
		s = strings.TrimLeft(s, " \t")
		idx := strings.IndexAny(s, " \t")
		if idx < 0 {
			return ""
		}
		s = s[idx:]
	}
	return strings.TrimLeft(s, " \t")
}
