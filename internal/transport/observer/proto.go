package observer

import "time"

const Version = "1.0"

// SubscribeMsg is the first frame a client sends. An empty Worlds list
// subscribes to every world.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Worlds          []string `json:"worlds,omitempty"`
}

// StructureMsg announces a newly placed structure.
type StructureMsg struct {
	Type     string    `json:"type"` // STRUCTURE
	ID       string    `json:"id"`
	World    string    `json:"world"`
	Template string    `json:"template"`
	Kind     string    `json:"kind"`
	Anchor   [3]int    `json:"anchor"`
	Rotation int       `json:"rotation"`
	Boss     bool      `json:"boss"`
	PlacedAt time.Time `json:"placed_at"`
}

// Status is served by the bootstrap endpoint.
type Status struct {
	ProtocolVersion string        `json:"protocol_version"`
	Observers       int           `json:"observers"`
	Worlds          []WorldStatus `json:"worlds"`
}

type WorldStatus struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Pending    int    `json:"pending"`
	Inflight   int    `json:"inflight"`
	Generated  int64  `json:"generated_chunks"`
	Structures int    `json:"structures"`
}
