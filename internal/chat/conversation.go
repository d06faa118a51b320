// Package chat consumes streamed assistant replies and folds them into a
// conversation.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/vera/internal/api"
)

// Role is who wrote a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status tracks whether a message's content can still change.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Message is one conversation turn.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Status    Status
	CreatedAt time.Time
}

// Final reports whether the content is frozen.
func (m Message) Final() bool {
	return m.Status != StatusStreaming
}

// NewMessage creates a message with a fresh id.
func NewMessage(role Role, content string, status Status) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

// ToWire converts messages to the chat request shape.
func ToWire(msgs []Message) []api.ChatMessage {
	out := make([]api.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, api.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// Conversation is an ordered list of messages. Every change publishes a new
// slice; slices handed out earlier are never written to.
type Conversation struct {
	mu        sync.Mutex
	messages  []Message
	listeners []func([]Message)
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Messages returns the current snapshot.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages
}

// Get returns the message with id.
func (c *Conversation) Get(id string) (Message, bool) {
	for _, m := range c.Messages() {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Subscribe registers fn to receive every new snapshot.
func (c *Conversation) Subscribe(fn func([]Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Append adds m to the end.
func (c *Conversation) Append(m Message) {
	c.update(func(msgs []Message) []Message {
		return append(msgs, m)
	})
}

// SetContent replaces the content and status of message id. Messages that
// are already final are left alone.
func (c *Conversation) SetContent(id, content string, status Status) {
	c.update(func(msgs []Message) []Message {
		for i := range msgs {
			if msgs[i].ID == id && !msgs[i].Final() {
				msgs[i].Content = content
				msgs[i].Status = status
				break
			}
		}
		return msgs
	})
}

// Clear removes every message.
func (c *Conversation) Clear() {
	c.update(func([]Message) []Message { return nil })
}

func (c *Conversation) update(fn func([]Message) []Message) {
	c.mu.Lock()
	next := make([]Message, len(c.messages), len(c.messages)+1)
	copy(next, c.messages)
	next = fn(next)
	c.messages = next
	listeners := c.listeners
	c.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
}
