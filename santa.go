// Giftbox Gift Exchange
//
// Participants connect over websockets and claim a display name plus an
// email address. An observer ("master") watches the participant list and
// starts the draw, which assigns every participant someone to give a gift
// to, avoiding self-assignments and any pairs forbidden by the exclusion
// list.
//
// Features:
// - WebSockets at /path/ws, role selected via ?role=observer query param
// - Display names unique (case-insensitive) among undrawn participants
// - Session token cookie reassociates reconnecting participants with
//   their durable record, before and after the draw
// - Session lookup endpoint at /path/session/:token for client restore
// - Results pushed live to connected participants and emailed to everyone
// - Observer can remove a name, forcing its holders to re-register
// - Draw results appended to an audit log, sorted by giver
// - Exclusion list re-read fresh at each draw
// - Liveness pings prune dead connections, keeping presence accurate
// - In-browser QR button to share the join URL, backed by go-qrcode

package main

import (
	_ "embed"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const writeWait = 10 * time.Second

// Messages coming from clients
type ClientMessage struct {
	Type  string `json:"type"`                     // "set_name", "remove_name", "start_draw"
	Name  string `json:"name,omitempty"`           // set_name / remove_name
	Email string `json:"contactAddress,omitempty"` // set_name
}

// NameOkMessage confirms a claim to the participant who made it.
type NameOkMessage struct {
	Type         string `json:"type"` // "name_ok"
	Name         string `json:"name"`
	SessionToken string `json:"sessionToken"`
}

// ErrorMessage is sent to a single client whose command was rejected.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// ResetMessage tells a participant its name was removed and it must
// re-register.
type ResetMessage struct {
	Type string `json:"type"` // "reset"
}

// TargetMessage carries a participant's private draw result.
type TargetMessage struct {
	Type   string `json:"type"` // "your_target"
	Target string `json:"target"`
}

// ParticipantsMessage is the observer projection of the registry.
type ParticipantsMessage struct {
	Type                  string        `json:"type"` // "participants"
	Participants          []string      `json:"participants"`
	ParticipantsWithEmail []Participant `json:"participantsWithEmail"`
}

// DrawCompleteMessage signals observers that a draw committed. It carries
// no payload; observers re-query presence if they need details.
type DrawCompleteMessage struct {
	Type string `json:"type"` // "draw_complete"
}

// SessionState is the session lookup response for reconnecting clients.
type SessionState struct {
	Name   string `json:"name"`
	Email  string `json:"contactAddress"`
	Target string `json:"target,omitempty"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	token    string
	observer bool

	// name and email are written only by Registry methods, under its mutex.
	name  string
	email string
}

type claimRequest struct {
	client *Client
	msg    ClientMessage
}

type commandRequest struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	cfg    *Config
	reg    *Registry
	mailer *Mailer

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	claims   chan claimRequest
	commands chan commandRequest

	mu sync.Mutex
}

func newHub(cfg *Config, reg *Registry, mailer *Mailer) *Hub {
	return &Hub{
		cfg:      cfg,
		reg:      reg,
		mailer:   mailer,
		clients:  make(map[*Client]bool),
		register: make(chan *Client),
		unreg:    make(chan *Client),
		claims:   make(chan claimRequest),
		commands: make(chan commandRequest),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnreg(c)

		case cr := <-h.claims:
			h.handleClaim(cr)

		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	if c.observer {
		h.trySend(c, h.participantsMessage())
		return
	}

	h.reg.addConn(c)

	// Restore state for a returning session token: a drawn participant
	// gets its committed target again, an undrawn one its confirmed claim.
	rec, ok := h.reg.restoreConn(c)
	if !ok {
		return
	}

	if rec.Target != "" {
		h.trySend(c, TargetMessage{Type: "your_target", Target: rec.Target})
	} else {
		h.trySend(c, NameOkMessage{Type: "name_ok", Name: rec.Name, SessionToken: c.token})
	}

	h.broadcastParticipants()
}

func (h *Hub) handleUnreg(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if c.observer {
		return
	}

	// The live binding goes away, the session record stays.
	if h.reg.removeConn(c) {
		h.broadcastParticipants()
	}
}

func (h *Hub) handleClaim(cr claimRequest) {
	c := cr.client

	name, err := h.reg.claimName(c, cr.msg.Name, cr.msg.Email)
	if err != nil {
		h.trySend(c, ErrorMessage{Type: "error", Message: err.Error()})
		return
	}

	logf(h.cfg, "NAMES: %q claimed", name)

	h.trySend(c, NameOkMessage{Type: "name_ok", Name: name, SessionToken: c.token})
	h.broadcastParticipants()
}

func (h *Hub) handleCommand(cmd commandRequest) {
	c := cmd.client

	// Only the observer role may issue these commands
	if !c.observer {
		return
	}

	switch cmd.msg.Type {
	case "remove_name":
		name := strings.TrimSpace(cmd.msg.Name)
		if name == "" {
			return
		}

		for _, cleared := range h.reg.removeName(name) {
			h.trySend(cleared, ResetMessage{Type: "reset"})
		}

		logf(h.cfg, "NAMES: %q removed", name)

		h.broadcastParticipants()

	case "start_draw":
		deliveries, err := runDraw(h.cfg, h.reg)
		if err != nil {
			h.trySend(c, ErrorMessage{Type: "error", Message: err.Error()})
			return
		}

		// The draw is committed; pushes and emails are best-effort.
		for _, d := range deliveries {
			for _, holder := range h.reg.connsHolding(d.giver) {
				h.trySend(holder, TargetMessage{Type: "your_target", Target: d.target})
			}
			h.mailer.enqueue(d)
		}

		h.notifyDrawComplete()
	}
}

// trySend delivers to one client, dropping the connection if its buffer is
// full rather than blocking the hub.
func (h *Hub) trySend(c *Client, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) participantsMessage() ParticipantsMessage {
	withEmail := h.reg.listAllParticipants()

	names := make([]string, 0, len(withEmail))
	for _, p := range withEmail {
		names = append(names, p.Name)
	}

	return ParticipantsMessage{
		Type:                  "participants",
		Participants:          names,
		ParticipantsWithEmail: withEmail,
	}
}

// broadcastParticipants pushes the current registry projection to every
// observer. Stuck observers are dropped silently; the hub self-heals on
// the next state change.
func (h *Hub) broadcastParticipants() {
	msg := h.participantsMessage()

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.observer {
			continue
		}
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) notifyDrawComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.observer {
			continue
		}
		select {
		case client.send <- DrawCompleteMessage{Type: "draw_complete"}:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const sessionCookieName = "giftbox_session"

func getOrSetSessionToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	token := newSessionToken()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return token
}

func serveWS(cfg *Config, h *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		token := getOrSetSessionToken(w, r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			token:    token,
			observer: r.URL.Query().Get("role") == "observer",
		}

		h.register <- client

		go client.writePump(cfg.pingInterval)
		client.readPump(h)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	pongWait := 2 * h.cfg.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		// Unparseable frames are dropped without a response.
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "set_name":
			if !c.observer {
				h.claims <- claimRequest{
					client: c,
					msg:    msg,
				}
			}
		case "remove_name", "start_draw":
			h.commands <- commandRequest{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveSessionLookup is the restore side-channel: a reconnecting client
// asks what its token maps to before opening the live connection.
func serveSessionLookup(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		rec, ok := reg.resolveSession(ps.ByName("token"))
		if !ok || rec.Name == "" {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		_ = json.NewEncoder(w).Encode(SessionState{
			Name:   rec.Name,
			Email:  rec.Email,
			Target: rec.Target,
		})
	}
}

// QR handler: generates a PNG QR code for the join URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../qr; strip the trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed santa/index.html
var indexHTML []byte

//go:embed santa/app.css
var giftboxCSS []byte

//go:embed santa/app.js
var giftboxJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetSessionToken(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(giftboxCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(giftboxJS)
	}
}

// registerGiftExchange sets up routes so that:
//   - $path                  → HTML client (participant and observer views)
//   - $path/ws               → WebSocket, role via ?role=observer
//   - $path/session/:token   → session restore lookup
//   - $path/qr               → PNG QR code for the join URL
func registerGiftExchange(cfg *Config, path string, mux *httprouter.Router) {
	reg := newRegistry()
	hub := newHub(cfg, reg, newMailer(cfg))
	go hub.run()

	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets
	mux.GET(cfg.prefix+"/assets/santa/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/santa/app.js", getJsHandler(cfg))

	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, hub))

	mux.GET(cfg.prefix+path+"/session/:token", serveSessionLookup(cfg, reg))

	mux.GET(cfg.prefix+path+"/qr", qrHandler)
}
