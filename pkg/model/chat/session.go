package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultSessionTitle is used when a session has no user message to title it.
	DefaultSessionTitle = "New conversation"

	titleRunes   = 30
	previewRunes = 50
)

// SessionSummary describes a non-empty session for listings.
// Sessions are never stored on their own; a summary exists only while the
// session has at least one message.
type SessionSummary struct {
	ID           string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	Title        string    `json:"title"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Matches reports whether keyword occurs in the title or preview, ignoring case.
func (s SessionSummary) Matches(keyword string) bool {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s.Title), keyword) ||
		strings.Contains(strings.ToLower(s.Preview), keyword)
}

// TitleFrom derives a session title from its first user message.
func TitleFrom(firstUserContent string) string {
	if strings.TrimSpace(firstUserContent) == "" {
		return DefaultSessionTitle
	}
	return Truncate(firstUserContent, titleRunes)
}

// PreviewFrom derives a session preview from its last message.
func PreviewFrom(lastContent string) string {
	return Truncate(lastContent, previewRunes)
}

// Truncate shortens s to n runes, appending "..." when it was cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
