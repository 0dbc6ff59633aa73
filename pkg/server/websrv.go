package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/crystal-mush/cmdhost/pkg/dispatch"
	"github.com/crystal-mush/cmdhost/pkg/events"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// WebServer provides the HTTP API and the WebSocket transport.
type WebServer struct {
	game     *Game
	httpSrv  *http.Server
	mux      *http.ServeMux
	auth     *AuthService
	rl       *rateLimiter
	upgrader websocket.Upgrader
}

// NewWebServer creates a web server bound to the game.
func NewWebServer(game *Game) *WebServer {
	conf := game.Conf
	ws := &WebServer{
		game: game,
		mux:  http.NewServeMux(),
		auth: NewAuthService(game, conf.JWTSecret, conf.JWTExpiry),
		rl:   newRateLimiter(conf.WebRateLimit),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(conf.WebCORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range conf.WebCORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
	ws.registerRoutes()
	return ws
}

// Handler returns the full middleware-wrapped handler.
func (ws *WebServer) Handler() http.Handler {
	return ws.httpSrv.Handler
}

func (ws *WebServer) registerRoutes() {
	handler := http.Handler(ws.mux)
	handler = rateLimitMiddleware(ws.rl, handler)
	handler = corsMiddleware(ws.game.Conf.WebCORSOrigins, handler)
	ws.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", ws.game.Conf.WebHost, ws.game.Conf.WebPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.mux.HandleFunc("GET /ws", ws.handleWebSocket)
	ws.mux.HandleFunc("POST /api/v1/auth/login", ws.handleAuthLogin)
	ws.mux.HandleFunc("POST /api/v1/auth/refresh", ws.handleAuthRefresh)
	ws.mux.Handle("GET /api/v1/who", authMiddleware(ws.auth, false, http.HandlerFunc(ws.handleWho)))
	ws.mux.Handle("POST /api/v1/command", authMiddleware(ws.auth, true, http.HandlerFunc(ws.handleCommand)))
	ws.mux.Handle("GET /api/v1/commands", authMiddleware(ws.auth, true, http.HandlerFunc(ws.handleCommands)))
	ws.mux.Handle("GET /api/v1/history", authMiddleware(ws.auth, true, http.HandlerFunc(ws.handleHistory)))
	ws.mux.HandleFunc("GET /health", ws.handleHealth)
	ws.mux.Handle("GET /metrics", ws.game.Metrics.Handler())
}

// Start listens until Stop. It serves HTTPS when a certificate source is
// configured and plain HTTP otherwise.
func (ws *WebServer) Start() error {
	conf := ws.game.Conf
	var err error
	if conf.WebDomain != "" || (conf.TLSCert != "" && conf.TLSKey != "") {
		var result *TLSResult
		result, err = SetupTLS(conf.WebDomain, conf.Path(conf.TLSCert), conf.Path(conf.TLSKey), conf.Path(conf.CertDir))
		if err != nil {
			return err
		}
		ws.httpSrv.TLSConfig = result.Config
		if result.AutocertMgr != nil {
			go func() {
				acme := &http.Server{Addr: ":80", Handler: result.AutocertMgr.HTTPHandler(nil), ReadHeaderTimeout: 10 * time.Second}
				log.Printf("ACME HTTP challenge listener on :80")
				if err := acme.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("ACME HTTP listener error: %v", err)
				}
			}()
		}
		log.Printf("Web server listening on %s (HTTPS)", ws.httpSrv.Addr)
		err = ws.httpSrv.ListenAndServeTLS("", "")
	} else {
		log.Printf("Web server listening on %s (HTTP)", ws.httpSrv.Addr)
		err = ws.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		DebugLog("web: encoding response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clientAddr prefers proxy headers over the socket address.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return r.RemoteAddr
}

// --- WebSocket ---

// WSMessage is the JSON frame exchanged over the WebSocket.
type WSMessage struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Command string         `json:"command,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (wc *wsConn) sendJSON(msg WSMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("websocket: encoding %s: %v", msg.Type, err)
		return
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	wc.conn.WriteMessage(websocket.TextMessage, b)
}

// handleWebSocket upgrades the request and runs a session. A valid token
// (query parameter or bearer header) logs the session in directly.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *Claims
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token != "" {
		var err error
		if claims, err = ws.auth.ValidateToken(token); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	wc := &wsConn{conn: conn}
	d := newWSDescriptor(wc, clientAddr(r))
	g := ws.game
	g.Connect(d)

	if claims != nil {
		acct, err := g.Store.GetAccount(claims.Account)
		if err == nil && g.DB.Valid(acct.Actor) {
			g.LoginSession(d, acct)
			wc.sendJSON(WSMessage{Type: "login", Data: map[string]any{
				"account": acct.Name, "actor": int(acct.Actor), "actor_name": g.Name(acct.Actor),
			}})
			g.announceArrival(d, fmt.Sprintf("Welcome back, %s!", g.Name(acct.Actor)), g.Texts.GetMotd())
		}
	}
	if d.State() != ConnConnected {
		wc.sendJSON(WSMessage{Type: "welcome", Text: WelcomeText})
	}
	go ws.readLoop(d, wc)
}

func newWSDescriptor(wc *wsConn, addr string) *Descriptor {
	d := newDescriptor(addr, TransportWebSocket)
	d.SendFunc = func(msg string) {
		wc.sendJSON(WSMessage{Type: "text", Text: msg})
	}
	d.ReceiveFunc = func(ev events.Event) {
		wc.sendJSON(WSMessage{Type: ev.Type.String(), Text: ev.Text, Data: ev.Data})
	}
	d.CloseFunc = func() { wc.conn.Close() }
	return d
}

func (ws *WebServer) readLoop(d *Descriptor, wc *wsConn) {
	g := ws.game
	defer func() {
		g.Disconnect(d)
		d.Close()
	}()
	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[%s] websocket read: %v", d.ID, err)
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			wc.sendJSON(WSMessage{Type: "error", Text: "Invalid JSON message"})
			continue
		}
		switch msg.Type {
		case "command", "login":
			g.SubmitFunc(d, msg.Command, func(out dispatch.Outcome) {
				d.Receive(OutcomeEvent(d.Actor(), out))
			})
		case "ping":
			wc.sendJSON(WSMessage{Type: "pong"})
		default:
			wc.sendJSON(WSMessage{Type: "error", Text: fmt.Sprintf("Unknown message type: %s", msg.Type)})
		}
	}
}

// --- HTTP API ---

func (ws *WebServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := ws.auth.Login(clientAddr(r), req.Name, req.Password)
	switch {
	case errors.Is(err, ErrThrottled):
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (ws *WebServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	newToken, err := ws.auth.RefreshToken(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": newToken})
}

func (ws *WebServer) handleWho(w http.ResponseWriter, r *http.Request) {
	type whoEntry struct {
		Name      string `json:"name"`
		Ref       int    `json:"ref"`
		Transport string `json:"transport"`
		OnFor     string `json:"on_for"`
		Idle      string `json:"idle"`
	}
	g := ws.game
	claims := ClaimsFromContext(r.Context())
	viewer := gamedb.Nothing
	if claims != nil {
		viewer = claims.Actor
	}
	entries := []whoEntry{}
	for _, d := range g.Conns.AllDescriptors() {
		if d.State() != ConnConnected {
			continue
		}
		obj, ok := g.DB.Get(d.Actor())
		if !ok || (obj.HasFlag(gamedb.FlagDark) && !g.Controls(viewer, obj.DBRef)) {
			continue
		}
		entries = append(entries, whoEntry{
			Name:      obj.DisplayName(),
			Ref:       int(obj.DBRef),
			Transport: d.Transport.String(),
			OnFor:     FormatConnTime(time.Since(d.ConnTime)),
			Idle:      FormatIdleTime(d.Idle()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": entries, "count": len(entries)})
}

// handleCommand runs one line as the token's actor and returns its
// output and outcome. The line is serialized with the actor's other input.
func (ws *WebServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeJSONError(w, http.StatusBadRequest, "command is required")
		return
	}

	var mu sync.Mutex
	output := []string{}
	d := ws.game.InternalSession(claims.Actor, claims.Account, func(msg string) {
		mu.Lock()
		output = append(output, msg)
		mu.Unlock()
	})
	d.Addr = clientAddr(r)
	ws.game.Bus.Subscribe(claims.Actor, d)
	out, ok := ws.game.Exec(r.Context(), d, req.Command)
	ws.game.Bus.Unsubscribe(claims.Actor, d)
	if !ok {
		writeJSONError(w, http.StatusTooManyRequests, "command not run")
		return
	}
	mu.Lock()
	defer mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"output":  output,
		"outcome": OutcomeEvent(claims.Actor, out).Data,
	})
}

// handleCommands lists the effective command table for the token's actor
// as if typed from a fresh session.
func (ws *WebServer) handleCommands(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	g := ws.game
	d := g.InternalSession(claims.Actor, claims.Account, func(string) {})
	tbl := g.Engine.Table(&dispatch.Call{ID: d.ID, Caller: d, Sources: g.CallingContext(d), Env: &Env{Game: g, Session: d, Actor: claims.Actor}})
	type entry struct {
		Name     string   `json:"name"`
		Aliases  []string `json:"aliases,omitempty"`
		Category string   `json:"category,omitempty"`
		Usage    string   `json:"usage,omitempty"`
		Set      string   `json:"set"`
		Source   string   `json:"source"`
	}
	out := []entry{}
	for _, e := range tbl.Entries() {
		if e.Command.Hidden {
			continue
		}
		out = append(out, entry{e.Command.Name, e.Command.Aliases, e.Command.Category, e.Command.Usage, e.SetKey, e.Source.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": out, "count": len(out)})
}

func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if ws.game.History == nil {
		writeJSONError(w, http.StatusNotFound, "history disabled")
		return
	}
	claims := ClaimsFromContext(r.Context())
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			n = min(i, 500)
		}
	}
	rows, err := ws.game.History.Recent(claims.Actor, n)
	if err != nil {
		log.Printf("web: history: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	type item struct {
		At        time.Time `json:"at"`
		Line      string    `json:"line"`
		Command   string    `json:"command,omitempty"`
		Set       string    `json:"set,omitempty"`
		Source    string    `json:"source,omitempty"`
		State     string    `json:"state"`
		Reason    string    `json:"reason"`
		ElapsedUS int64     `json:"elapsed_us"`
	}
	items := make([]item, 0, len(rows))
	for _, row := range rows {
		items = append(items, item{row.At, row.Line, row.Command, row.SetKey, row.Source, row.State, row.Reason, row.Elapsed.Microseconds()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": items})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": time.Since(ws.game.StartTime).Seconds(),
		"sessions":       ws.game.Conns.Count(),
		"objects":        ws.game.DB.Len(),
	})
}
