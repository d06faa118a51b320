// Package server exposes device search, IFU extraction, equivalence analysis
// and chat over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/TobiSchelling/vera/internal/api"
	"github.com/TobiSchelling/vera/internal/database"
	"github.com/TobiSchelling/vera/internal/equivalence"
	"github.com/TobiSchelling/vera/internal/extract"
	"github.com/TobiSchelling/vera/internal/fda"
	"github.com/TobiSchelling/vera/internal/llm"
)

const (
	maxRequestBody = 1 << 20
	maxUploadBody  = 64 << 20
)

const chatSystemPrompt = `You are a regulatory assistant helping a medical device team prepare a 510(k) submission. Answer questions about predicate devices, Indications for Use statements and substantial equivalence. When the conversation includes a predicate's Indications for Use, ground your answer in it and say so. Be concise.`

// Deps are the services the handlers call.
type Deps struct {
	DB        *database.DB
	Discovery *fda.Discovery
	Extractor *extract.Extractor
	Analyzer  *equivalence.Analyzer
	// Provider may be nil; chat then answers with an error envelope.
	Provider  llm.Provider
	MaxTokens int
	// Debug logs every streamed chat chunk.
	Debug bool
}

// Server is the HTTP API server.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

// New creates a new Server.
func New(deps Deps) *Server {
	if deps.MaxTokens <= 0 {
		deps.MaxTokens = 1024
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST "+api.PathSearch, s.handleSearch)
	s.mux.HandleFunc("POST "+api.PathBulkIFU, s.handleBulkIFU)
	s.mux.HandleFunc("POST "+api.PathEquivalence, s.handleEquivalence)
	s.mux.HandleFunc("POST "+api.PathUpload, s.handleUpload)
	s.mux.HandleFunc("POST "+api.PathChat, s.handleChat)
	s.mux.HandleFunc("GET "+api.PathHealth, s.handleHealth)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req api.SearchRequest
	if !decode(w, r, &req) {
		return
	}
	params := req.SearchParams
	if err := params.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Discovery.Discover(r.Context(), params)
	if err != nil {
		log.Printf("Error searching devices: %v", err)
		writeError(w, http.StatusOK, fmt.Sprintf("device search failed: %v", err))
		return
	}

	all := append(append([]api.Device{}, result.WithArtifact...), result.WithoutArtifact...)
	if err := s.deps.DB.UpsertDevices(all); err != nil {
		log.Printf("Error caching devices: %v", err)
	}
	if _, err := s.deps.DB.InsertSearch(params, len(all), len(result.WithArtifact)); err != nil {
		log.Printf("Error recording search: %v", err)
	}

	log.Printf("Search returned %d devices (%d with documents)", len(all), len(result.WithArtifact))
	writeJSON(w, http.StatusOK, api.SearchResponse{Success: true, Result: result})
}

func (s *Server) handleBulkIFU(w http.ResponseWriter, r *http.Request) {
	var req api.BulkRequest
	if !decode(w, r, &req) {
		return
	}

	seen := make(map[string]bool, len(req.IDs))
	var devices []api.Device
	for _, id := range req.IDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		d, err := s.deps.DB.GetDevice(id)
		if err != nil {
			log.Printf("Error loading device %s: %v", id, err)
		}
		if d == nil {
			d = &api.Device{KNumber: id}
		}
		devices = append(devices, *d)
	}
	if len(devices) == 0 {
		writeError(w, http.StatusBadRequest, "no device ids provided")
		return
	}

	records := s.deps.Extractor.Bulk(r.Context(), devices)
	for _, rec := range records {
		if err := s.deps.DB.SaveExtraction(rec); err != nil {
			log.Printf("Error caching extraction %s: %v", rec.ID, err)
		}
	}

	summary := extract.Summary(records)
	log.Printf("Bulk IFU extraction: %d processed, %d with IFU", len(records), summary[string(api.StatusSuccess)])
	writeJSON(w, http.StatusOK, api.BulkResponse{
		Success: true,
		Result: &api.BulkResult{
			Extractions:    records,
			Summary:        summary,
			TotalProcessed: len(records),
		},
	})
}

func (s *Server) handleEquivalence(w http.ResponseWriter, r *http.Request) {
	var req api.AnalysisRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Context) == "" || strings.TrimSpace(req.TargetID) == "" {
		writeError(w, http.StatusBadRequest, "context and target_id are required")
		return
	}

	analysis, err := s.deps.Analyzer.Analyze(r.Context(), req.TargetID, req.Context)
	if err != nil {
		log.Printf("Error analyzing %s: %v", req.TargetID, err)
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.AnalysisResponse{Success: true, Analysis: analysis})
}

type uploadResult struct {
	Extraction      api.Extraction          `json:"extraction"`
	DocumentSummary extract.DocumentSummary `json:"document_summary"`
}

type uploadResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Result  *uploadResult `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// handleUpload takes a 510(k) document supplied by the operator as the
// multipart field "file". With a k_number field the document replaces the
// cached one for that device and the extraction is stored.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	defer file.Close()

	rec, summary, err := s.deps.Extractor.Import(r.FormValue("k_number"), file)
	if err != nil {
		log.Printf("Error importing %s: %v", header.Filename, err)
		status := http.StatusOK
		if errors.Is(err, extract.ErrUnsupportedDocument) || errors.Is(err, extract.ErrTooLarge) || errors.Is(err, extract.ErrInvalidKNumber) {
			status = http.StatusBadRequest
		}
		writeError(w, status, fmt.Sprintf("processing %s: %v", header.Filename, err))
		return
	}

	if rec.ID != "" {
		if err := s.deps.DB.SaveExtraction(rec); err != nil {
			log.Printf("Error caching extraction %s: %v", rec.ID, err)
		}
	}

	log.Printf("Imported %s: %s", header.Filename, rec.Status)
	writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		Message: fmt.Sprintf("Processed %s", header.Filename),
		Result:  &uploadResult{Extraction: rec, DocumentSummary: summary},
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if s.deps.Provider == nil {
		writeError(w, http.StatusOK, "no LLM provider available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	messages = append(messages, llm.Message{Role: "system", Content: chatSystemPrompt})
	for _, m := range req.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	started := false
	err := s.deps.Provider.Stream(r.Context(), messages, s.deps.MaxTokens, func(chunk string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if s.deps.Debug {
			log.Printf("Chat chunk: %q", chunk)
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	switch {
	case err == nil:
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
		}
	case errors.Is(err, context.Canceled):
		log.Printf("Chat cancelled by client")
	case !started:
		log.Printf("Error starting chat: %v", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("chat failed: %v", err))
	default:
		// The status line is already sent; aborting the connection is the
		// only way left to tell the client the reply is incomplete.
		log.Printf("Chat stream failed: %v", err)
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Success: false, Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
		}()
		next.ServeHTTP(rec, r)
	})
}

// Serve starts the HTTP server on the given port and shuts it down when ctx
// is cancelled.
func Serve(ctx context.Context, s *Server, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Println("Shutting down server...")
		return srv.Shutdown(shutdownCtx)
	}
}
