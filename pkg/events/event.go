package events

import "github.com/crystal-mush/cmdhost/pkg/gamedb"

// EventType classifies events for transport-specific encoding.
type EventType int

const (
	EvText       EventType = iota // Raw text (universal fallback)
	EvSay                         // Speech
	EvPose                        // Pose/emote
	EvEmit                        // Text from a YAML-defined emit command
	EvRoom                        // Room description
	EvMove                        // Arrive/depart
	EvConnect                     // Actor connected
	EvDisconnect                  // Actor disconnected
	EvWho                         // WHO data
	EvOutcome                     // Dispatch result of one input line
)

var typeNames = [...]string{
	EvText:       "text",
	EvSay:        "say",
	EvPose:       "pose",
	EvEmit:       "emit",
	EvRoom:       "room",
	EvMove:       "move",
	EvConnect:    "connect",
	EvDisconnect: "disconnect",
	EvWho:        "who",
	EvOutcome:    "outcome",
}

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Event is a structured game event that flows through the event bus.
// Telnet and SSH sessions print Text; WebSocket sessions get the whole
// event as JSON.
type Event struct {
	Type   EventType
	Player gamedb.DBRef   // Recipient (Nothing for broadcast)
	Source gamedb.DBRef   // Who generated the event
	Room   gamedb.DBRef   // Room context
	Text   string         // Pre-formatted text
	Data   map[string]any // Structured data for JSON clients
}
