package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// titleLimit caps the stored session title length.
const titleLimit = 50

// Server exposes the OpenAI-compatible surface and relays completions
// to the external agent.
type Server struct {
	cfg      *Config
	store    *SessionStore
	registry *ModelRegistry
	executor *Executor
}

// NewServer wires the session store, model registry, and executor from
// the given config.
func NewServer(cfg *Config) (*Server, error) {
	store, err := NewSessionStore(cfg.StoragePath(), cfg.WorkspaceBase(), cfg.AgentBin)
	if err != nil {
		return nil, err
	}

	registry := NewModelRegistry(cfg.ModelsPath(), cfg.AgentBin)
	registry.Initialize()

	return &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		executor: NewExecutor(cfg.ExecTimeout),
	}, nil
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	return mux
}

// ListenAndServe runs the server until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.apiKey(r) == "" {
		writeError(w, http.StatusUnauthorized, "missing API key", "invalid_request_error")
		return
	}

	list := ModelList{Object: "list"}
	for _, id := range s.registry.Get() {
		list.Data = append(list.Data, NewModel(ToDisplayID(id), "cursor", id))
	}
	writeJSON(w, http.StatusOK, list)
}

// apiKey returns the request credential: the bearer token when
// present, otherwise the configured relay key.
func (s *Server) apiKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && strings.TrimSpace(token) != "" {
		return strings.TrimSpace(token)
	}
	return s.cfg.RelayKey
}

// resolvedSession is the outcome of matching a request to an agent
// session: the record to resume (or freshly created), the index key it
// currently sits under, and whether this request started the session.
type resolvedSession struct {
	record  *SessionRecord
	oldFP   string
	created bool
}

// resolveSession matches the request history to a stored session. A
// <session_id> tag wins when it names a known session; otherwise the
// history fingerprint decides. No match creates a new agent session
// keyed by the lookup fingerprint.
func (s *Server) resolveSession(ctx context.Context, messages []Message, customSessionID, workspace string) (*resolvedSession, error) {
	lookupFP := Fingerprint(messages[:len(messages)-1])

	if customSessionID != "" {
		record, err := s.store.GetByID(customSessionID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			fp, err := s.store.FingerprintByID(customSessionID)
			if err != nil {
				return nil, err
			}
			logger.Infof("Resuming session %s via custom session_id", record.SessionID)
			return &resolvedSession{record: record, oldFP: fp}, nil
		}
		logger.Warnf("Unknown custom session_id %s, starting a fresh session", customSessionID)
	}

	record, err := s.store.GetByFingerprint(lookupFP)
	if err != nil {
		return nil, err
	}
	if record != nil {
		logger.Infof("Resuming session %s via history fingerprint", record.SessionID)
		return &resolvedSession{record: record, oldFP: lookupFP}, nil
	}

	record, err = s.store.Create(ctx, lookupFP, sessionTitle(messages), workspace)
	if err != nil {
		return nil, err
	}
	return &resolvedSession{record: record, oldFP: lookupFP, created: true}, nil
}

// sessionTitle derives a short title from the newest turn.
func sessionTitle(messages []Message) string {
	title := strings.TrimSpace(messages[len(messages)-1].Content.PlainText())
	if runes := []rune(title); len(runes) > titleLimit {
		title = string(runes[:titleLimit])
	}
	if title == "" {
		return "Untitled"
	}
	return title
}

// thinkBlock renders the session-info preamble emitted on the first
// reply of a new session when ENABLE_INFO_IN_THINK is set.
func thinkBlock(sessionID string, loader *DirectiveLoader) string {
	labels := loader.Labels()
	commands := "(none)"
	if len(labels) > 0 {
		commands = strings.Join(labels, ", ")
	}
	return fmt.Sprintf("<think>Session ID: %s\nSlash Commands: %s\n</think>\n\n", sessionID, commands)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	apiKey := s.apiKey(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "missing API key", "invalid_request_error")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	workspace, customSessionID, messages := ExtractRequestTags(req.Messages, s.cfg.WorkspaceWhitelist)

	session, err := s.resolveSession(r.Context(), messages, customSessionID, workspace)
	if err != nil {
		writeRelayError(w, err)
		return
	}

	loader := NewDirectiveLoader(session.record.WorkspaceDir)
	builder := NewCommandBuilder(s.cfg, loader)

	// A resumed session already holds the history; only the newest turn
	// is relayed. A fresh session gets the whole conversation, with the
	// discovered skills advertised up front.
	var prompt string
	if session.created {
		prompt = builder.MergePrompt(messages)
		if skills := loader.SkillsMetadataXML(); skills != "" {
			prompt = skills + "\n\n" + prompt
		}
	} else {
		prompt = builder.MergePrompt(messages[len(messages)-1:])
	}

	argv := builder.Build(req.Model, apiKey, prompt, session.record.SessionID, session.record.WorkspaceDir, req.Stream)

	preamble := ""
	if session.created && s.cfg.EnableInfoInThink {
		preamble = thinkBlock(session.record.SessionID, loader)
	}

	if req.Stream {
		s.streamCompletion(w, r, req.Model, argv, session, messages, preamble)
		return
	}
	s.syncCompletion(w, r, req.Model, argv, session, messages, preamble)
}

func (s *Server) syncCompletion(w http.ResponseWriter, r *http.Request, model string, argv []string, session *resolvedSession, messages []Message, preamble string) {
	result, err := s.executor.RunNonStream(r.Context(), argv, session.record.WorkspaceDir)
	if err != nil {
		writeRelayError(w, err)
		return
	}

	// The migrated fingerprint must cover exactly what the client gets
	// back, or the follow-up request never matches the rekeyed session.
	content := preamble + result
	s.migrateSession(session, messages, content)
	writeJSON(w, http.StatusOK, NewChatCompletionResponse(model, content))
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, model string, argv []string, session *resolvedSession, messages []Message, preamble string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by connection", "api_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := NewCompletionID()
	created := time.Now().Unix()

	emit := func(chunk ChatCompletionChunk) {
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	// Opening chunk announces the assistant role per the OpenAI shape.
	opening := ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{Role: RoleAssistant}}},
	}
	emit(opening)

	var reply strings.Builder
	chunks, errs := s.executor.RunStream(r.Context(), argv, session.record.WorkspaceDir)
	for chunk := range chunks {
		reply.WriteString(chunk)
		emit(NewChatCompletionChunk(id, created, model, chunk))
	}

	if err := <-errs; err != nil {
		logger.Errorf("Stream failed: %v", err)
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]string{"message": err.Error(), "type": relayErrorType(err)},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	// Session info trails the reply so clients render the answer first.
	if preamble != "" {
		reply.WriteString(preamble)
		emit(NewChatCompletionChunk(id, created, model, preamble))
	}

	stop := "stop"
	closing := ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{}, FinishReason: &stop}},
	}
	emit(closing)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	s.migrateSession(session, messages, reply.String())
}

// migrateSession rekeys the session so the next request, whose history
// will include this reply, fingerprints onto it.
func (s *Server) migrateSession(session *resolvedSession, messages []Message, reply string) {
	if session.oldFP == "" {
		return
	}
	next := append(append([]Message(nil), messages...), Message{Role: RoleAssistant, Content: TextContent(reply)})
	newFP := Fingerprint(next)
	if err := s.store.Migrate(session.oldFP, newFP); err != nil {
		logger.Errorf("Failed to migrate session fingerprint: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

// writeError emits the OpenAI error envelope.
func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message, "type": errType},
	})
}

// writeRelayError maps internal error kinds onto HTTP statuses.
func writeRelayError(w http.ResponseWriter, err error) {
	logger.Errorf("Request failed: %v", err)
	switch relayErrorType(err) {
	case "timeout_error":
		writeError(w, http.StatusGatewayTimeout, err.Error(), "timeout_error")
	case "execution_error":
		writeError(w, http.StatusBadGateway, err.Error(), "execution_error")
	case "overloaded_error":
		writeError(w, http.StatusServiceUnavailable, err.Error(), "overloaded_error")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
	}
}

func relayErrorType(err error) string {
	var timeoutErr *TimeoutError
	var execErr *ExecutionError
	var lockErr *LockTimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout_error"
	case errors.As(err, &execErr):
		return "execution_error"
	case errors.As(err, &lockErr):
		return "overloaded_error"
	default:
		return "api_error"
	}
}
