package aegis

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for any non-2xx response from the Aegis backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// ID is an opaque server identifier. The backend emits both string and
// numeric ids; numbers are kept in their decimal form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	switch r.Type {
	case gjson.Null:
		*id = ""
	case gjson.String, gjson.Number:
		*id = ID(r.String())
	default:
		return fmt.Errorf("invalid id %s", string(data))
	}
	return nil
}

// mongoID returns the "_id" field of a raw document, used when "id" is absent.
func mongoID(data []byte) ID {
	return ID(gjson.GetBytes(data, "_id").String())
}

// ============================================================================
// Identity
// ============================================================================

// Role gates UI behavior for a user.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleRevisor    Role = "revisor"
)

// UserRef is an immutable snapshot of an authenticated user.
type UserRef struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

func (u *UserRef) UnmarshalJSON(data []byte) error {
	type alias UserRef
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = mongoID(data)
	}
	*u = UserRef(a)
	return nil
}

// AuthResult is the body returned by login and register.
type AuthResult struct {
	Token string  `json:"token"`
	User  UserRef `json:"user"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is one entry of a user's notification feed.
type Notification struct {
	ID        ID     `json:"id"`
	Message   string `json:"message"`
	Severity  string `json:"severity,omitempty"`
	Link      string `json:"link,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	type alias Notification
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = mongoID(data)
	}
	*n = Notification(a)
	return nil
}

// ============================================================================
// Chat
// ============================================================================

// Message is a chat message. Messages are never edited client-side.
type Message struct {
	ID             ID     `json:"id"`
	ConversationID ID     `json:"conversationId,omitempty"`
	SenderID       ID     `json:"senderId"`
	SenderName     string `json:"senderName"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = mongoID(data)
	}
	*m = Message(a)
	return nil
}

// ConversationType distinguishes the public room from private rooms.
type ConversationType string

const (
	ConversationPublic  ConversationType = "public"
	ConversationPrivate ConversationType = "private"
)

// Conversation is a chat room as listed by the conversations API.
type Conversation struct {
	ID           ID               `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []UserRef        `json:"participants,omitempty"`
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = mongoID(data)
	}
	*c = Conversation(a)
	return nil
}

// Room returns the room id the conversation maps to.
func (c *Conversation) Room() RoomID {
	if c.Type == ConversationPublic {
		return GeneralRoom
	}
	return RoomID(c.ID)
}

// Peer returns the participant other than self, or nil for the public room.
func (c *Conversation) Peer(self ID) *UserRef {
	for i := range c.Participants {
		if c.Participants[i].ID != self {
			return &c.Participants[i]
		}
	}
	return nil
}

// ============================================================================
// Realtime payloads
// ============================================================================

// AuthenticatedPayload is the first frame sent by the server after the handshake.
type AuthenticatedPayload struct {
	UserID   ID     `json:"userId"`
	UserName string `json:"userName"`
}

// TypingPayload is sent when a user starts or stops typing. RoomID is empty
// for the public room.
type TypingPayload struct {
	RoomID   ID     `json:"roomId,omitempty"`
	UserName string `json:"userName"`
}

type sendGeneralPayload struct {
	Content string `json:"content"`
}

type sendPrivatePayload struct {
	RoomID  RoomID `json:"roomId"`
	Content string `json:"content"`
}

type roomPayload struct {
	RoomID RoomID `json:"roomId"`
}
