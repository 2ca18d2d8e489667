// Package wstransport implements pkgsvc.Transport over a websocket JSON
// envelope. The envelope is private to this package; the transaction core
// only ever sees the Transport interface.
package wstransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guestops/guest-pkgd/internal/logging"
	"github.com/guestops/guest-pkgd/internal/pkgsvc"
)

var log = logging.L("wstransport")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	requestTimeout = 10 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Config holds the transport endpoint settings.
type Config struct {
	ServerURL string
	AuthToken string
}

// Client is a websocket-backed pkgsvc.Transport. Deliver and confirm
// callbacks are marshalled onto the worker queue through post, satisfying
// the Transport contract that they run serialized with transaction logic.
type Client struct {
	cfg      Config
	post     func(task func()) bool
	liveness pkgsvc.LivenessHandler

	conn      guardedConn
	sendChan  chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	isRunning bool
	runningMu sync.RWMutex

	reqMu   sync.Mutex
	reqSeq  uint64
	pending map[string]chan envelope

	subMu sync.Mutex
	subs  map[string]map[string]func(pkgsvc.Event) // session -> kind -> deliver
}

type guardedConn struct {
	mu sync.RWMutex
	ws *websocket.Conn
}

// New creates a transport client. post must submit tasks to the same serial
// queue the orchestrator's transactions run on.
func New(cfg Config, post func(task func()) bool, liveness pkgsvc.LivenessHandler) *Client {
	return &Client{
		cfg:      cfg,
		post:     post,
		liveness: liveness,
		sendChan: make(chan []byte, 256),
		done:     make(chan struct{}),
		pending:  make(map[string]chan envelope),
		subs:     make(map[string]map[string]func(pkgsvc.Event)),
	}
}

// Start begins the connect/reconnect loop. Blocks until Stop; run it on its
// own goroutine.
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

// Stop closes the connection and fails any in-flight requests.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.conn.mu.Lock()
		if c.conn.ws != nil {
			c.conn.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.ws.Close()
			c.conn.ws = nil
		}
		c.conn.mu.Unlock()

		c.failPending("transport stopped")
		log.Info("client stopped")
	})
}

// CreateSession implements pkgsvc.Transport.
func (c *Client) CreateSession() (pkgsvc.Session, error) {
	resp, err := c.roundTrip(envelope{Type: "create-session"})
	if err != nil {
		return nil, err
	}
	if !resp.OK || resp.Session == "" {
		return nil, errors.New("service refused session: " + resp.Error)
	}

	c.subMu.Lock()
	c.subs[resp.Session] = make(map[string]func(pkgsvc.Event))
	c.subMu.Unlock()

	return resp.Session, nil
}

// SetHints implements pkgsvc.Transport.
func (c *Client) SetHints(s pkgsvc.Session, hints []string) error {
	resp, err := c.roundTrip(envelope{Type: "set-hints", Session: s.(string), Hints: hints})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("hints rejected: " + resp.Error)
	}
	return nil
}

// Subscribe implements pkgsvc.Transport. The confirmation arrives on the
// worker queue once the server answers.
func (c *Client) Subscribe(s pkgsvc.Session, kind pkgsvc.EventKind, deliver func(pkgsvc.Event), confirm func(ok bool)) {
	session := s.(string)

	c.subMu.Lock()
	if m, ok := c.subs[session]; ok {
		m[kind.String()] = deliver
	}
	c.subMu.Unlock()

	go func() {
		resp, err := c.roundTrip(envelope{Type: "subscribe", Session: session, Kind: kind.String()})
		ok := err == nil && resp.OK
		if !c.post(func() { confirm(ok) }) {
			log.Warn("worker queue gone, dropping subscribe confirm", logging.KeySession, session)
		}
	}()
}

// Invoke implements pkgsvc.Transport.
func (c *Client) Invoke(s pkgsvc.Session, op string, args pkgsvc.Args) bool {
	resp, err := c.roundTrip(envelope{Type: "invoke", Session: s.(string), Op: op, Args: args})
	if err != nil {
		log.Warn("invoke failed", "op", op, logging.KeyError, err)
		return false
	}
	return resp.OK
}

// CloseSession implements pkgsvc.Transport. Fire-and-forget; the server
// reaps sessions on its own if the notification is lost.
func (c *Client) CloseSession(s pkgsvc.Session) {
	session := s.(string)

	c.subMu.Lock()
	delete(c.subs, session)
	c.subMu.Unlock()

	data, err := json.Marshal(envelope{Type: "close-session", Session: session})
	if err != nil {
		return
	}
	select {
	case c.sendChan <- data:
	case <-c.done:
	default:
		log.Warn("send channel full, dropping session close", logging.KeySession, session)
	}
}

// roundTrip sends one request envelope and waits for the matching response.
func (c *Client) roundTrip(req envelope) (envelope, error) {
	c.reqMu.Lock()
	c.reqSeq++
	req.ReqID = strconv.FormatUint(c.reqSeq, 10)
	ch := make(chan envelope, 1)
	c.pending[req.ReqID] = ch
	c.reqMu.Unlock()

	defer func() {
		c.reqMu.Lock()
		delete(c.pending, req.ReqID)
		c.reqMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return envelope{}, fmt.Errorf("marshal request: %w", err)
	}

	select {
	case c.sendChan <- data:
	case <-c.done:
		return envelope{}, errors.New("transport stopped")
	default:
		return envelope{}, errors.New("send channel full")
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return envelope{}, errors.New("transport stopped")
	case <-time.After(requestTimeout):
		return envelope{}, errors.New("request timed out")
	}
}

func (c *Client) failPending(reason string) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- envelope{OK: false, Error: reason}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	c.conn.mu.Lock()
	c.conn.ws = ws
	c.conn.mu.Unlock()

	ws.SetReadLimit(maxMessageSize)
	log.Info("connected", "server", c.cfg.ServerURL)
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	}

	serverURL.Path = "/api/v1/package-service/ws"
	q := serverURL.Query()
	if c.cfg.AuthToken != "" {
		q.Set("token", c.cfg.AuthToken)
	}
	serverURL.RawQuery = q.Encode()

	return serverURL.String(), nil
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Warn("connection failed", logging.KeyError, err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		c.liveness.ServiceAvailable(true)

		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump()
		close(pumpDone)

		// Connection lost: existing sessions are gone with it.
		c.liveness.ServiceAvailable(false)
		c.failPending("connection lost")

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (c *Client) readPump() {
	c.conn.mu.RLock()
	ws := c.conn.ws
	c.conn.mu.RUnlock()

	if ws == nil {
		return
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("failed to parse envelope", logging.KeyError, err)
			continue
		}

		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env envelope) {
	switch env.Type {
	case "event":
		c.dispatchEvent(env)

	case "owner-changed":
		c.liveness.ServiceOwnerChanged(env.OldOwner, env.NewOwner)

	default:
		// Response to an outstanding request.
		if env.ReqID == "" {
			return
		}
		c.reqMu.Lock()
		ch, ok := c.pending[env.ReqID]
		c.reqMu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

func (c *Client) dispatchEvent(env envelope) {
	if env.Event == nil {
		return
	}

	ev, ok := env.Event.decode()
	if !ok {
		log.Warn("unknown event kind", "kind", env.Event.Kind, logging.KeySession, env.Session)
		return
	}

	session := env.Session
	delivered := c.post(func() {
		// Look up at delivery time: the session may have closed while the
		// task was queued.
		c.subMu.Lock()
		deliver := c.subs[session][ev.Kind.String()]
		c.subMu.Unlock()

		if deliver != nil {
			deliver(ev)
		}
	})
	if !delivered {
		log.Warn("worker queue gone, dropping event", logging.KeySession, session)
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.conn.mu.RLock()
			ws := c.conn.ws
			c.conn.mu.RUnlock()

			if ws == nil {
				continue
			}

			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				return
			}

		case <-ticker.C:
			c.conn.mu.RLock()
			ws := c.conn.ws
			c.conn.mu.RUnlock()

			if ws == nil {
				continue
			}

			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
