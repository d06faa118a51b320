// Package session wires the search, selection, enrichment, analysis and
// chat components into one working set for an operator.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/TobiSchelling/vera/internal/analysis"
	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/chat"
	"github.com/TobiSchelling/vera/internal/enrich"
	"github.com/TobiSchelling/vera/internal/search"
	"github.com/TobiSchelling/vera/internal/selection"
)

// Backend is everything the session needs from the server besides chat.
type Backend interface {
	search.Searcher
	enrich.Extractor
	analysis.Checker
}

// Session owns one set of components. Each component owns its own state;
// the session only connects them.
type Session struct {
	Search     *search.Controller
	Selection  *selection.Tracker
	Enrichment *enrich.Coordinator
	Analysis   *analysis.Coordinator
	Chat       *chat.Consumer

	opener chat.Opener

	mu          sync.Mutex
	deviceChats map[string]*chat.Consumer
}

// New builds a session. A successful search clears the selection, the
// enrichment records and the analysis records.
func New(backend Backend, opener chat.Opener, analysisConcurrency int) *Session {
	s := &Session{
		Search:      search.NewController(backend),
		Selection:   selection.NewTracker(),
		Enrichment:  enrich.NewCoordinator(backend),
		Chat:        chat.NewConsumer(opener, chat.NewConversation()),
		opener:      opener,
		deviceChats: map[string]*chat.Consumer{},
	}
	s.Analysis = analysis.NewCoordinator(backend, s.Enrichment, analysisConcurrency)

	s.Search.OnReset(func(p search.Partition) {
		s.Selection.Reset(p)
		s.Enrichment.Reset()
		s.Analysis.Reset()
	})
	return s
}

// NewFromClient builds a session talking to the backend through c.
func NewFromClient(c *api.Client, analysisConcurrency int) *Session {
	return New(c, chat.ClientOpener(c), analysisConcurrency)
}

// EnrichSelected runs bulk enrichment over the current selection.
func (s *Session) EnrichSelected(ctx context.Context) ([]api.Extraction, error) {
	return s.Enrichment.FetchSelected(ctx, s.Selection)
}

// AnalyzeEnriched requests analysis for every enriched device with IFU
// text. Devices without text are skipped, not reported as failures.
func (s *Session) AnalyzeEnriched(ctx context.Context, statement string) (int, map[string]error) {
	var ids []string
	for _, r := range s.Enrichment.Records() {
		if r.HasContent() {
			ids = append(ids, r.ID)
		}
	}
	return len(ids), s.Analysis.RequestAll(ctx, ids, statement)
}

// DeviceChat returns the conversation about one predicate device. Chats
// are keyed by the exact k-number. Every reply is sent with the device's
// extracted IFU ahead of the conversation, when there is one.
func (s *Session) DeviceChat(id string) *chat.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.deviceChats[id]; ok {
		return c
	}

	opener := chat.OpenerFunc(func(ctx context.Context, msgs []api.ChatMessage) (chat.ChunkSource, error) {
		if r, ok := s.Enrichment.Record(id); ok && r.HasContent() {
			preamble := api.ChatMessage{
				Role:    string(chat.RoleUser),
				Content: fmt.Sprintf("Context: predicate device %s. Indications for Use:\n%s", id, *r.Text),
			}
			msgs = append([]api.ChatMessage{preamble}, msgs...)
		}
		return s.opener.OpenChat(ctx, msgs)
	})

	c := chat.NewConsumer(opener, chat.NewConversation())
	s.deviceChats[id] = c
	return c
}

// Close cancels every reply still streaming.
func (s *Session) Close() {
	s.Chat.Close()

	s.mu.Lock()
	chats := make([]*chat.Consumer, 0, len(s.deviceChats))
	for _, c := range s.deviceChats {
		chats = append(chats, c)
	}
	s.mu.Unlock()

	for _, c := range chats {
		c.Close()
	}
}
