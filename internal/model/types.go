package model

// MessageState tracks a message through the optimistic-send lifecycle.
type MessageState string

const (
	// StatePending marks a locally created message awaiting server echo.
	StatePending MessageState = "pending"
	// StateConfirmed marks a message acknowledged by the server.
	StateConfirmed MessageState = "confirmed"
	// StateSeen marks a confirmed message with at least one read receipt.
	StateSeen MessageState = "seen"
	// StateFailed marks a pending message whose confirmation never arrived
	// within the send timeout. Failed messages can be retried.
	StateFailed MessageState = "failed"
)

// Message is a single message in a conversation. ID holds the server-issued
// identifier once confirmed; while pending it holds the locally generated
// temporary identifier.
type Message struct {
	ID             string
	CorrelationID  string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      int64 // unix millis, server-assigned once confirmed
	State          MessageState
	SeenBy         []string
}

// SeenByUser reports whether the given user appears in the seen set.
func (m *Message) SeenByUser(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Participant is a conversation member summary.
type Participant struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
}

// LastMessage is the denormalized most-recent-message snapshot kept on a
// conversation for list display. It is always overwritten whole, never
// merged field by field.
type LastMessage struct {
	Content  string
	SenderID string
	SentAt   int64 // unix millis
}

// Conversation is a conversation summary as tracked by the registry.
type Conversation struct {
	ID           string
	Participants []Participant
	LastMessage  *LastMessage
	UnreadCount  int
	UpdatedAt    int64 // unix millis
}

// OtherParty returns the participant that is not self in a two-party
// conversation, or nil when participants are unknown.
func (c *Conversation) OtherParty(selfID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].ID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}

// ActivityAt returns the timestamp the presentation layer should sort by:
// the last message time, falling back to the last update time.
func (c *Conversation) ActivityAt() int64 {
	if c.LastMessage != nil && c.LastMessage.SentAt > 0 {
		return c.LastMessage.SentAt
	}
	return c.UpdatedAt
}
