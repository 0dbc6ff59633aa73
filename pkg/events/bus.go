package events

import (
	"sync"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Roster lists who is in a room. *gamedb.Database satisfies it.
type Roster interface {
	Contents(loc gamedb.DBRef) []gamedb.DBRef
}

// Bus is a per-actor pub/sub event bus with support for global subscribers.
// Game code emits structured events; each subscriber (session, history
// writer) encodes them for its own transport.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[gamedb.DBRef][]Subscriber
	global      []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[gamedb.DBRef][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific actor's events.
func (b *Bus) Subscribe(player gamedb.DBRef, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[player] = append(b.subscribers[player], sub)
}

// Unsubscribe removes a subscriber for a specific actor.
func (b *Bus) Unsubscribe(player gamedb.DBRef, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[player]
	for i, s := range subs {
		if s == sub {
			b.subscribers[player] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[player]) == 0 {
		delete(b.subscribers, player)
	}
}

// SubscribeGlobal registers a subscriber that receives all events.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

func deliver(subs []Subscriber, ev Event) {
	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

func (b *Bus) snapshot(player gamedb.DBRef) (subs, globals []Subscriber) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers[player], b.global
}

// Emit sends an event to the actor in ev.Player and all global subscribers.
func (b *Bus) Emit(ev Event) {
	subs, globals := b.snapshot(ev.Player)
	deliver(subs, ev)
	deliver(globals, ev)
}

// EmitToPlayer sends an event to a specific actor (overriding ev.Player).
func (b *Bus) EmitToPlayer(player gamedb.DBRef, ev Event) {
	ev.Player = player
	b.Emit(ev)
}

// EmitToRoom sends an event to everyone in a room.
func (b *Bus) EmitToRoom(r Roster, room gamedb.DBRef, ev Event) {
	b.EmitToRoomExcept(r, room, gamedb.Nothing, ev)
}

// EmitToRoomExcept sends an event to everyone in a room except one.
// Global subscribers get a single copy with Room set.
func (b *Bus) EmitToRoomExcept(r Roster, room gamedb.DBRef, except gamedb.DBRef, ev Event) {
	ev.Room = room
	for _, who := range r.Contents(room) {
		if who == except {
			continue
		}
		b.mu.RLock()
		subs := b.subscribers[who]
		b.mu.RUnlock()
		playerEv := ev
		playerEv.Player = who
		deliver(subs, playerEv)
	}
	b.mu.RLock()
	globals := b.global
	b.mu.RUnlock()
	deliver(globals, ev)
}

// PlayerSubscribers returns the number of subscribers for an actor.
func (b *Bus) PlayerSubscribers(player gamedb.DBRef) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[player])
}

// Cleanup removes closed subscribers from all lists.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for player, subs := range b.subscribers {
		var active []Subscriber
		for _, s := range subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			delete(b.subscribers, player)
		} else {
			b.subscribers[player] = active
		}
	}

	var activeGlobal []Subscriber
	for _, s := range b.global {
		if !s.Closed() {
			activeGlobal = append(activeGlobal, s)
		}
	}
	b.global = activeGlobal
}
