package server

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
	"github.com/crystal-mush/cmdhost/pkg/events"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// TransportType identifies the kind of transport a Descriptor uses.
type TransportType int

const (
	TransportTCP       TransportType = iota // Plain telnet
	TransportTLS                            // Telnet over TLS
	TransportSSH                            // SSH shell session
	TransportWebSocket                      // WebSocket (JSON events)
	TransportInternal                       // Console and @wait puppets
)

func (t TransportType) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "tls"
	case TransportSSH:
		return "ssh"
	case TransportWebSocket:
		return "websocket"
	default:
		return "internal"
	}
}

// ConnState tracks the state of a connection.
type ConnState int

const (
	ConnLogin     ConnState = iota // Pre-login: awaiting connect/create
	ConnConnected                  // Logged in, puppeting an actor
)

// Descriptor is one session. It is the Caller handed to the engine and an
// events.Subscriber for its actor's output.
type Descriptor struct {
	ID        string // ULID, used in logs and history
	Conn      net.Conn
	Addr      string
	ConnTime  time.Time
	Transport TransportType

	// SendFunc overrides the default Send behavior (WebSocket, SSH).
	SendFunc func(msg string)
	// ReceiveFunc overrides the default event->text->Send path.
	ReceiveFunc func(ev events.Event)
	// CloseFunc runs once on Close, after Conn is closed.
	CloseFunc func()

	mu        sync.Mutex
	state     ConnState
	player    gamedb.DBRef
	account   string
	lastCmd   time.Time
	cmdCount  int
	bytesSent int
	bytesRecv int
	closed    bool
}

// NewDescriptor wraps a net.Conn into a Descriptor.
func NewDescriptor(conn net.Conn, transport TransportType) *Descriptor {
	d := newDescriptor(conn.RemoteAddr().String(), transport)
	d.Conn = conn
	return d
}

func newDescriptor(addr string, transport TransportType) *Descriptor {
	now := time.Now()
	return &Descriptor{
		ID:        ulid.Make().String(),
		Addr:      addr,
		ConnTime:  now,
		Transport: transport,
		state:     ConnLogin,
		player:    gamedb.Nothing,
		lastCmd:   now,
	}
}

var _ cmdset.Caller = (*Descriptor)(nil)
var _ events.Subscriber = (*Descriptor)(nil)

// Send writes a line to the client.
func (d *Descriptor) Send(msg string) {
	if d.SendFunc != nil {
		d.mu.Lock()
		closed := d.closed
		d.bytesSent += len(msg)
		d.mu.Unlock()
		if !closed {
			d.SendFunc(msg)
		}
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.Conn == nil {
		return
	}
	msg = strings.ReplaceAll(strings.TrimRight(msg, "\r\n"), "\n", "\r\n") + "\r\n"
	d.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, _ := d.Conn.Write([]byte(msg))
	d.bytesSent += n
}

// SendNoNewline writes a string as-is.
func (d *Descriptor) SendNoNewline(msg string) {
	if d.SendFunc != nil {
		d.Send(msg)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.Conn == nil {
		return
	}
	d.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, _ := d.Conn.Write([]byte(msg))
	d.bytesSent += n
}

// Close shuts down the connection.
func (d *Descriptor) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conn, fn := d.Conn, d.CloseFunc
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if fn != nil {
		fn()
	}
}

// IsClosed returns whether the connection has been closed.
func (d *Descriptor) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Receive implements events.Subscriber.
func (d *Descriptor) Receive(ev events.Event) {
	if d.ReceiveFunc != nil {
		d.ReceiveFunc(ev)
		return
	}
	if ev.Text != "" {
		d.Send(ev.Text)
	}
}

// Closed implements events.Subscriber.
func (d *Descriptor) Closed() bool {
	return d.IsClosed()
}

// State returns the login state.
func (d *Descriptor) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Actor returns the puppeted actor, or Nothing before login.
func (d *Descriptor) Actor() gamedb.DBRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.player
}

// AccountName returns the logged-in account name.
func (d *Descriptor) AccountName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.account
}

// QueueKey is the serialization key for this session's input: the actor
// once logged in, the session before.
func (d *Descriptor) QueueKey() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == ConnConnected {
		return d.player.String()
	}
	return "session:" + d.ID
}

// received records an input line.
func (d *Descriptor) received(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastCmd = time.Now()
	d.bytesRecv += n
	if d.state == ConnConnected {
		d.cmdCount++
	}
}

// Idle returns the time since the last input line.
func (d *Descriptor) Idle() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Since(d.lastCmd)
}

// Stats returns command and byte counters.
func (d *Descriptor) Stats() (cmds, sent, recv int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cmdCount, d.bytesSent, d.bytesRecv
}

// ConnManager tracks all active connections.
type ConnManager struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	byPlayer    map[gamedb.DBRef][]*Descriptor // actor -> sessions (multi-login)
	EventBus    *events.Bus                    // nil = disabled
	OnAdd       func(d *Descriptor)
}

// NewConnManager creates a new connection manager.
func NewConnManager(bus *events.Bus) *ConnManager {
	return &ConnManager{
		descriptors: make(map[string]*Descriptor),
		byPlayer:    make(map[gamedb.DBRef][]*Descriptor),
		EventBus:    bus,
	}
}

// Add registers a new descriptor.
func (cm *ConnManager) Add(d *Descriptor) {
	cm.mu.Lock()
	cm.descriptors[d.ID] = d
	fn := cm.OnAdd
	cm.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// Remove unregisters a descriptor and unsubscribes it from the event bus.
func (cm *ConnManager) Remove(d *Descriptor) {
	player := d.Actor()
	if cm.EventBus != nil && player != gamedb.Nothing {
		cm.EventBus.Unsubscribe(player, d)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.descriptors, d.ID)
	if player != gamedb.Nothing {
		descs := cm.byPlayer[player]
		for i, dd := range descs {
			if dd == d {
				cm.byPlayer[player] = append(descs[:i:i], descs[i+1:]...)
				break
			}
		}
		if len(cm.byPlayer[player]) == 0 {
			delete(cm.byPlayer, player)
		}
	}
}

// Login associates a descriptor with an account and its actor and
// subscribes it to the actor's events.
func (cm *ConnManager) Login(d *Descriptor, account string, player gamedb.DBRef) {
	d.mu.Lock()
	d.state = ConnConnected
	d.player = player
	d.account = account
	d.mu.Unlock()

	cm.mu.Lock()
	cm.byPlayer[player] = append(cm.byPlayer[player], d)
	cm.mu.Unlock()

	if cm.EventBus != nil {
		cm.EventBus.Subscribe(player, d)
	}
}

// Get returns a descriptor by session id.
func (cm *ConnManager) Get(id string) (*Descriptor, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	d, ok := cm.descriptors[id]
	return d, ok
}

// GetByPlayer returns all descriptors for a given actor.
func (cm *ConnManager) GetByPlayer(player gamedb.DBRef) []*Descriptor {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]*Descriptor(nil), cm.byPlayer[player]...)
}

// IsConnected returns true if the actor has at least one active session.
func (cm *ConnManager) IsConnected(player gamedb.DBRef) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byPlayer[player]) > 0
}

// ConnectedPlayers returns all currently connected actors.
func (cm *ConnManager) ConnectedPlayers() []gamedb.DBRef {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	players := make([]gamedb.DBRef, 0, len(cm.byPlayer))
	for p := range cm.byPlayer {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	return players
}

// AllDescriptors returns a snapshot of all sessions, oldest first.
func (cm *ConnManager) AllDescriptors() []*Descriptor {
	cm.mu.RLock()
	descs := make([]*Descriptor, 0, len(cm.descriptors))
	for _, d := range cm.descriptors {
		descs = append(descs, d)
	}
	cm.mu.RUnlock()
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
	return descs
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.descriptors)
}

// CountByTransport returns logged-in session counts keyed by transport.
func (cm *ConnManager) CountByTransport() map[string]int {
	out := map[string]int{}
	for _, d := range cm.AllDescriptors() {
		if d.State() == ConnConnected {
			out[d.Transport.String()]++
		}
	}
	return out
}

// SendToPlayer sends a message to all sessions of an actor.
func (cm *ConnManager) SendToPlayer(player gamedb.DBRef, msg string) {
	for _, d := range cm.GetByPlayer(player) {
		d.Send(msg)
	}
}

// FormatIdleTime formats a duration as a human-readable idle time.
func FormatIdleTime(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm", secs/60)
	}
	if secs < 86400 {
		return fmt.Sprintf("%dh", secs/3600)
	}
	return fmt.Sprintf("%dd", secs/86400)
}

// FormatConnTime formats a duration as connection time.
func FormatConnTime(d time.Duration) string {
	secs := int(d.Seconds())
	hours := secs / 3600
	mins := (secs % 3600) / 60
	return fmt.Sprintf("%02d:%02d", hours, mins)
}
