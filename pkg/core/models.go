package core

import "time"

// Default memory partitions
const (
	TableMessages  = "messages"
	TableDocuments = "documents"
	TableFragments = "fragments"
)

// Memory is a message or other room scoped record, optionally embedded
type Memory struct {
	ID        UUID      `json:"id"`
	AgentID   UUID      `json:"agentId"`
	RoomID    UUID      `json:"roomId"`
	UserID    UUID      `json:"userId"`
	Content   Content   `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Unique    bool      `json:"unique"`
	TableName string    `json:"tableName,omitempty"`
}

// Knowledge is a retrievable snippet. Rows without an agent or with
// IsShared set are visible to every agent.
type Knowledge struct {
	ID         UUID           `json:"id"`
	AgentID    UUID           `json:"agentId,omitempty"`
	Content    Content        `json:"content"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsShared   bool           `json:"isShared"`
	IsMain     bool           `json:"isMain"`
	OriginalID UUID           `json:"originalId,omitempty"`
	ChunkIndex int            `json:"chunkIndex,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// GoalStatus is the lifecycle state of a goal. The set is open; these are
// the values the store filters on.
type GoalStatus string

const (
	GoalInProgress GoalStatus = "IN_PROGRESS"
	GoalDone       GoalStatus = "DONE"
	GoalFailed     GoalStatus = "FAILED"
)

// Objective is one step of a goal
type Objective struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// Goal is a room scoped objective list
type Goal struct {
	ID         UUID        `json:"id"`
	RoomID     UUID        `json:"roomId"`
	UserID     UUID        `json:"userId,omitempty"`
	Name       string      `json:"name"`
	Status     GoalStatus  `json:"status"`
	Objectives []Objective `json:"objectives"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Account is a user or agent profile
type Account struct {
	ID        UUID           `json:"id"`
	Name      string         `json:"name"`
	Username  string         `json:"username"`
	Email     string         `json:"email,omitempty"`
	AvatarURL string         `json:"avatarUrl,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Actor is the display projection of an account inside a room
type Actor struct {
	ID       UUID           `json:"id"`
	Name     string         `json:"name"`
	Username string         `json:"username"`
	Details  map[string]any `json:"details,omitempty"`
}

// ParticipantState is the per-room follow/mute flag
type ParticipantState string

const (
	StateUnset    ParticipantState = ""
	StateFollowed ParticipantState = "FOLLOWED"
	StateMuted    ParticipantState = "MUTED"
)

// Participant links a user to a room
type Participant struct {
	ID        UUID             `json:"id"`
	UserID    UUID             `json:"userId"`
	RoomID    UUID             `json:"roomId"`
	State     ParticipantState `json:"state,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Relationship is an unordered pair of users
type Relationship struct {
	ID        UUID      `json:"id"`
	UserA     UUID      `json:"userA"`
	UserB     UUID      `json:"userB"`
	UserID    UUID      `json:"userId"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// LogEntry is an append-only activity record
type LogEntry struct {
	ID        UUID           `json:"id"`
	UserID    UUID           `json:"userId"`
	RoomID    UUID           `json:"roomId"`
	Type      string         `json:"type"`
	Body      map[string]any `json:"body"`
	CreatedAt time.Time      `json:"createdAt"`
}
