package chat

import "time"

// Role 标识消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single persisted turn of a conversation.
//
// ReplyTo links an assistant reply to the user message that produced it.
// It is zero for user messages and for replies stored before the link existed.
type Message struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	Emotion          string    `json:"emotion,omitempty"`
	EmotionIntensity float32   `json:"emotionIntensity,omitempty"`
	ReplyTo          int64     `json:"replyTo,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Before reports whether m sorts strictly before other in session order.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Reply 是助手回复连同情绪标注与推荐话题。
type Reply struct {
	Message
	Suggestions []string `json:"suggestions,omitempty"`
}
