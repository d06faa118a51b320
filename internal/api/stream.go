package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
)

const (
	chunkBufferSize = 4096
	// maxEmptyReads matches bufio's limit on reads returning no data.
	maxEmptyReads = 100
)

// ChunkStream yields the chat response body as it arrives.
type ChunkStream struct {
	body io.ReadCloser
	buf  []byte
	once sync.Once
}

// OpenChat posts the conversation and returns the streaming body. The request
// is bound to ctx, so cancelling ctx also unblocks a pending Next.
func (c *Client) OpenChat(ctx context.Context, messages []ChatMessage) (*ChunkStream, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: no messages to send", ErrValidation)
	}

	data, err := json.Marshal(ChatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+PathChat, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: chat: %w", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("chat: %w", &ServerError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)})
	}

	// A JSON body on the chat route is always an envelope, never a stream.
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: chat: reading response: %w", ErrNetwork, err)
		}
		if _, err := decodeEnvelope(resp.StatusCode, body); err != nil {
			return nil, fmt.Errorf("chat: %w", err)
		}
		return nil, fmt.Errorf("%w: chat: expected a text stream, got a JSON envelope", ErrProtocol)
	}

	return NewChunkStream(resp.Body), nil
}

// NewChunkStream wraps any reader as a chunk source.
func NewChunkStream(body io.ReadCloser) *ChunkStream {
	return &ChunkStream{body: body, buf: make([]byte, chunkBufferSize)}
}

// Next returns the next chunk of raw bytes, or io.EOF once the body has ended.
func (s *ChunkStream) Next(ctx context.Context) ([]byte, error) {
	for empty := 0; ; empty++ {
		if empty >= maxEmptyReads {
			return nil, fmt.Errorf("%w: reading chat body: %w", ErrStream, io.ErrNoProgress)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			// A trailing io.EOF is reported again by the next Read.
			return chunk, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: reading chat body: %w", ErrStream, err)
		}
	}
}

// Close releases the underlying body. Safe to call more than once.
func (s *ChunkStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
