package events

import (
	"sync"
	"testing"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// mockSubscriber implements Subscriber for testing.
type mockSubscriber struct {
	mu       sync.Mutex
	events   []Event
	isClosed bool
}

func (m *mockSubscriber) Receive(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockSubscriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosed
}

func (m *mockSubscriber) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// newRoom creates room #0 holding players #1 and #2.
func newRoom(t *testing.T) (*gamedb.Database, gamedb.DBRef, gamedb.DBRef, gamedb.DBRef) {
	t.Helper()
	db := gamedb.NewDatabase()
	room := db.Create("Hall", gamedb.TypeRoom, gamedb.Nothing, gamedb.Nothing)
	p1 := db.Create("Alice", gamedb.TypePlayer, room.DBRef, gamedb.Nothing)
	p2 := db.Create("Bob", gamedb.TypePlayer, room.DBRef, gamedb.Nothing)
	return db, room.DBRef, p1.DBRef, p2.DBRef
}

func TestBusEmitToPlayer(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{}

	player := gamedb.DBRef(1)
	bus.Subscribe(player, sub)

	bus.EmitToPlayer(player, Event{Type: EvSay, Source: player, Text: "Hello world"})

	events := sub.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Text != "Hello world" {
		t.Errorf("expected text %q, got %q", "Hello world", events[0].Text)
	}
	if events[0].Type != EvSay {
		t.Errorf("expected type EvSay, got %v", events[0].Type)
	}
}

func TestBusGlobalSubscriber(t *testing.T) {
	bus := NewBus()
	global := &mockSubscriber{}
	bus.SubscribeGlobal(global)

	ev := Event{Type: EvOutcome, Player: 5, Text: "test msg", Data: map[string]any{"state": "Done"}}
	bus.Emit(ev)

	events := global.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 global event, got %d", len(events))
	}
	if events[0].Data["state"] != "Done" {
		t.Errorf("expected state Done, got %v", events[0].Data["state"])
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	a, b := &mockSubscriber{}, &mockSubscriber{}
	player := gamedb.DBRef(1)

	bus.Subscribe(player, a)
	bus.Subscribe(player, b)
	bus.Unsubscribe(player, a)

	bus.Emit(Event{Type: EvText, Player: player, Text: "only b"})

	if len(a.Events()) != 0 {
		t.Error("expected no events after unsubscribe")
	}
	if len(b.Events()) != 1 {
		t.Error("remaining subscriber lost its event")
	}
	bus.Unsubscribe(player, b)
	if n := bus.PlayerSubscribers(player); n != 0 {
		t.Errorf("PlayerSubscribers = %d, want 0", n)
	}
}

func TestBusClosedSubscriberSkipped(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{isClosed: true}
	player := gamedb.DBRef(1)

	bus.Subscribe(player, sub)
	bus.Emit(Event{Type: EvText, Player: player, Text: "no delivery"})

	if len(sub.Events()) != 0 {
		t.Error("closed subscriber should not receive events")
	}
}

func TestBusEmitToRoom(t *testing.T) {
	db, room, p1, p2 := newRoom(t)

	bus := NewBus()
	sub1, sub2, global := &mockSubscriber{}, &mockSubscriber{}, &mockSubscriber{}
	bus.Subscribe(p1, sub1)
	bus.Subscribe(p2, sub2)
	bus.SubscribeGlobal(global)

	bus.EmitToRoom(db, room, Event{Type: EvSay, Source: p1, Text: "Hello room"})

	if len(sub1.Events()) != 1 {
		t.Errorf("player 1: expected 1 event, got %d", len(sub1.Events()))
	}
	got := sub2.Events()
	if len(got) != 1 {
		t.Fatalf("player 2: expected 1 event, got %d", len(got))
	}
	if got[0].Player != p2 || got[0].Room != room {
		t.Errorf("player 2 event addressed to %s in %s", got[0].Player, got[0].Room)
	}
	if len(global.Events()) != 1 {
		t.Errorf("global: expected a single copy, got %d", len(global.Events()))
	}
}

func TestBusEmitToRoomExcept(t *testing.T) {
	db, room, p1, p2 := newRoom(t)

	bus := NewBus()
	sub1 := &mockSubscriber{}
	sub2 := &mockSubscriber{}
	bus.Subscribe(p1, sub1)
	bus.Subscribe(p2, sub2)

	bus.EmitToRoomExcept(db, room, p1, Event{Type: EvSay, Source: p1, Text: "Hello others"})

	if len(sub1.Events()) != 0 {
		t.Errorf("player 1 (excluded): expected 0 events, got %d", len(sub1.Events()))
	}
	if len(sub2.Events()) != 1 {
		t.Errorf("player 2: expected 1 event, got %d", len(sub2.Events()))
	}
}

func TestBusCleanup(t *testing.T) {
	bus := NewBus()
	active := &mockSubscriber{}
	closed := &mockSubscriber{isClosed: true}
	player := gamedb.DBRef(1)

	bus.Subscribe(player, active)
	bus.Subscribe(player, closed)
	bus.SubscribeGlobal(&mockSubscriber{isClosed: true})

	bus.Cleanup()

	if bus.PlayerSubscribers(player) != 1 {
		t.Errorf("expected 1 active subscriber, got %d", bus.PlayerSubscribers(player))
	}
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		t    EventType
		want string
	}{
		{EvText, "text"},
		{EvSay, "say"},
		{EvOutcome, "outcome"},
		{EvMove, "move"},
		{EventType(999), "unknown"},
		{EventType(-1), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
