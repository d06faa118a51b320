package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/TobiSchelling/vera/internal/api"
)

// FallbackContent replaces a reply whose stream failed, so a truncated
// answer is never shown as if it were complete.
const FallbackContent = "Sorry, the response could not be completed. Please try again."

// ChunkSource delivers a reply as a sequence of raw chunks. Next returns
// io.EOF once the reply is complete.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener starts a reply for the given history.
type Opener interface {
	OpenChat(ctx context.Context, messages []api.ChatMessage) (ChunkSource, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, messages []api.ChatMessage) (ChunkSource, error)

func (f OpenerFunc) OpenChat(ctx context.Context, messages []api.ChatMessage) (ChunkSource, error) {
	return f(ctx, messages)
}

// ClientOpener opens replies through the backend chat endpoint.
func ClientOpener(c *api.Client) Opener {
	return OpenerFunc(func(ctx context.Context, messages []api.ChatMessage) (ChunkSource, error) {
		s, err := c.OpenChat(ctx, messages)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Stream is one assistant reply being consumed.
type Stream struct {
	MessageID string

	cancel context.CancelFunc
	done   chan struct{}
	msg    Message
	err    error
}

// Cancel stops consuming. Content received so far is kept.
func (s *Stream) Cancel() {
	s.cancel()
}

// Done is closed once the message is final.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the message is final and returns it. The error is
// non-nil only when the stream failed.
func (s *Stream) Wait() (Message, error) {
	<-s.done
	return s.msg, s.err
}

// Consumer folds streamed replies into a conversation.
type Consumer struct {
	opener Opener
	conv   *Conversation

	mu     sync.Mutex
	active map[string]*Stream
	closed bool
}

// NewConsumer creates a consumer writing into conv.
func NewConsumer(opener Opener, conv *Conversation) *Consumer {
	return &Consumer{opener: opener, conv: conv, active: map[string]*Stream{}}
}

// Conversation returns the conversation the consumer writes into.
func (c *Consumer) Conversation() *Conversation {
	return c.conv
}

// Streaming reports whether any reply is still being consumed.
func (c *Consumer) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) > 0
}

// Send appends a user message and starts the reply to it. Only one reply
// streams at a time.
func (c *Consumer) Send(ctx context.Context, text string) (*Stream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message is empty", api.ErrValidation)
	}

	reply := NewMessage(RoleAssistant, "", StatusStreaming)

	// The reply is registered before the user message is appended so a
	// concurrent Send sees it.
	c.mu.Lock()
	if len(c.active) > 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: a reply is still streaming", api.ErrValidation)
	}
	ctx, s := c.track(ctx, reply.ID)
	c.mu.Unlock()

	c.conv.Append(NewMessage(RoleUser, text, StatusComplete))
	history := c.conv.Messages()
	c.conv.Append(reply)

	go c.run(ctx, s, ToWire(history))
	return s, nil
}

// Start appends an empty assistant message right away and fills it from
// the reply to prior as chunks arrive.
func (c *Consumer) Start(ctx context.Context, prior []Message) *Stream {
	msg := NewMessage(RoleAssistant, "", StatusStreaming)

	c.mu.Lock()
	ctx, s := c.track(ctx, msg.ID)
	c.mu.Unlock()

	c.conv.Append(msg)
	go c.run(ctx, s, ToWire(prior))
	return s
}

// track registers a stream for the message id. c.mu must be held.
func (c *Consumer) track(ctx context.Context, id string) (context.Context, *Stream) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{MessageID: id, cancel: cancel, done: make(chan struct{})}
	if c.closed {
		cancel()
	}
	c.active[id] = s
	return ctx, s
}

// Close cancels every reply still streaming and waits for them to settle.
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	streams := make([]*Stream, 0, len(c.active))
	for _, s := range c.active {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.Cancel()
		<-s.done
	}
}

func (c *Consumer) run(ctx context.Context, s *Stream, history []api.ChatMessage) {
	defer close(s.done)
	defer s.cancel()

	content, status, err := c.consume(ctx, s.MessageID, history)
	c.conv.SetContent(s.MessageID, content, status)

	s.msg, _ = c.conv.Get(s.MessageID)
	s.err = err

	c.mu.Lock()
	delete(c.active, s.MessageID)
	c.mu.Unlock()
}

func (c *Consumer) consume(ctx context.Context, id string, history []api.ChatMessage) (string, Status, error) {
	src, err := c.opener.OpenChat(ctx, history)
	if err != nil {
		if ctx.Err() != nil {
			return "", StatusCancelled, nil
		}
		log.Printf("Opening chat stream failed: %v", err)
		return FallbackContent, StatusFailed, fmt.Errorf("%w: opening reply: %w", api.ErrStream, err)
	}
	defer src.Close()

	var (
		acc strings.Builder
		dec utf8Decoder
	)
	for {
		if ctx.Err() != nil {
			return acc.String(), StatusCancelled, nil
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			acc.WriteString(dec.flush())
			return acc.String(), StatusComplete, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return acc.String(), StatusCancelled, nil
			}
			log.Printf("Chat stream failed after %d bytes: %v", acc.Len(), err)
			return FallbackContent, StatusFailed, fmt.Errorf("%w: %w", api.ErrStream, err)
		}

		acc.WriteString(dec.decode(chunk))
		c.conv.SetContent(id, acc.String(), StatusStreaming)
	}
}
