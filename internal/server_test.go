package internal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/iksnae/cursor-relay/testutil"
)

func newTestServer(t *testing.T, agentCfg testutil.FakeAgentConfig, mutate func(*Config)) (*httptest.Server, *Config) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	agent := testutil.WriteFakeAgent(t, agentCfg)
	cfg := &Config{
		Host:        "127.0.0.1",
		Port:        0,
		AgentBin:    agent,
		RelayBase:   t.TempDir(),
		TmpDir:      t.TempDir(),
		ExecTimeout: 30 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, cfg
}

func postCompletion(t *testing.T, ts *httptest.Server, body any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/completions", bytes.NewReader(testutil.JSONMarshal(t, body)))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeCompletion(t *testing.T, resp *http.Response) ChatCompletionResponse {
	t.Helper()
	defer resp.Body.Close()
	var out ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func TestServer_RequiresAPIKey(t *testing.T) {
	ts, _ := newTestServer(t, testutil.FakeAgentConfig{}, nil)

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_RelayKeyFallback(t *testing.T) {
	ts, _ := newTestServer(t, testutil.FakeAgentConfig{
		Response: `{"type":"result","result":"ok"}`,
	}, func(cfg *Config) { cfg.RelayKey = "sk-server" })

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 via relay key fallback", resp.StatusCode)
	}
}

func TestServer_RejectsInvalidRequests(t *testing.T) {
	ts, _ := newTestServer(t, testutil.FakeAgentConfig{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model":`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"auto","messages":[]}`},
		{"bad role", `{"model":"auto","messages":[{"role":"tool","content":"hi"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/completions", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer sk-test")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var envelope struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
				} `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
				t.Fatalf("decoding error envelope: %v", err)
			}
			if envelope.Error.Type != "invalid_request_error" {
				t.Errorf("error type = %q", envelope.Error.Type)
			}
		})
	}
}

func TestServer_SyncCompletion(t *testing.T) {
	ts, cfg := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-e2e",
		Response:  `{"type":"result","result":"The answer is 4."}`,
	}, nil)

	resp := postCompletion(t, ts, ChatCompletionRequest{
		Model:    "auto",
		Messages: []Message{{Role: RoleUser, Content: TextContent("What is 2+2?")}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decodeCompletion(t, resp)
	if got := out.Choices[0].Message.Content.PlainText(); got != "The answer is 4." {
		t.Errorf("content = %q", got)
	}

	// The session was created and keyed for the follow-up history.
	store, err := NewSessionStore(cfg.StoragePath(), cfg.WorkspaceBase(), cfg.AgentBin)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	count, _ := store.Len()
	if count != 1 {
		t.Fatalf("session count = %d", count)
	}

	followUp := []Message{
		{Role: RoleUser, Content: TextContent("What is 2+2?")},
		{Role: RoleAssistant, Content: TextContent("The answer is 4.")},
	}
	record, _ := store.GetByFingerprint(Fingerprint(followUp))
	if record == nil || record.SessionID != "sess-e2e" {
		t.Errorf("migrated record = %+v", record)
	}
}

func TestServer_SecondRequestResumesSession(t *testing.T) {
	ts, cfg := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-resume",
		Response:  `{"type":"result","result":"The answer is 4."}`,
	}, nil)

	first := ChatCompletionRequest{
		Model:    "auto",
		Messages: []Message{{Role: RoleUser, Content: TextContent("What is 2+2?")}},
	}
	resp := postCompletion(t, ts, first)
	decodeCompletion(t, resp)

	second := ChatCompletionRequest{
		Model: "auto",
		Messages: []Message{
			{Role: RoleUser, Content: TextContent("What is 2+2?")},
			{Role: RoleAssistant, Content: TextContent("The answer is 4.")},
			{Role: RoleUser, Content: TextContent("And doubled?")},
		},
	}
	resp = postCompletion(t, ts, second)
	decodeCompletion(t, resp)

	// A resume must not create a second session.
	store, err := NewSessionStore(cfg.StoragePath(), cfg.WorkspaceBase(), cfg.AgentBin)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	count, _ := store.Len()
	if count != 1 {
		t.Errorf("session count = %d, want 1 (resume, not create)", count)
	}
}

// completionCalls filters the recorded agent invocations down to
// completion runs (the ones that start with flags, not a subcommand).
func completionCalls(t *testing.T, agentBin string) [][]string {
	t.Helper()
	var out [][]string
	for _, call := range testutil.RecordedCalls(t, agentBin) {
		if len(call) > 0 && call[0] == "--model" {
			out = append(out, call)
		}
	}
	return out
}

func TestServer_ResumeForwardsOnlyNewestTurn(t *testing.T) {
	ts, cfg := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-subset",
		Response:  `{"type":"result","result":"The answer is 4."}`,
	}, nil)

	resp := postCompletion(t, ts, ChatCompletionRequest{
		Model:    "auto",
		Messages: []Message{{Role: RoleUser, Content: TextContent("What is 2+2?")}},
	})
	decodeCompletion(t, resp)

	resp = postCompletion(t, ts, ChatCompletionRequest{
		Model: "auto",
		Messages: []Message{
			{Role: RoleUser, Content: TextContent("What is 2+2?")},
			{Role: RoleAssistant, Content: TextContent("The answer is 4.")},
			{Role: RoleUser, Content: TextContent("And doubled?")},
		},
	})
	decodeCompletion(t, resp)

	calls := completionCalls(t, cfg.AgentBin)
	if len(calls) != 2 {
		t.Fatalf("completion invocations = %d, want 2", len(calls))
	}

	// On a resume the agent already holds the history: only the newest
	// turn goes out, against the stored session id.
	second := calls[1]
	prompt := second[len(second)-1]
	if prompt != "And doubled?" {
		t.Errorf("resumed prompt = %q, want only the newest turn", prompt)
	}
	joined := strings.Join(second, " ")
	if !strings.Contains(joined, "--resume sess-subset") {
		t.Errorf("resume flag missing: %q", joined)
	}
}

func TestServer_RepeatedIdenticalRequestCreatesNewSession(t *testing.T) {
	ts, cfg := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-repeat",
		Response:  `{"type":"result","result":"hello"}`,
	}, nil)

	body := ChatCompletionRequest{
		Model:    "auto",
		Messages: []Message{{Role: RoleUser, Content: TextContent("hi")}},
	}
	decodeCompletion(t, postCompletion(t, ts, body))

	// After the reply the session is rekeyed under the post-reply
	// fingerprint, so the identical request misses and starts over.
	decodeCompletion(t, postCompletion(t, ts, body))

	creates := 0
	for _, call := range testutil.RecordedCalls(t, cfg.AgentBin) {
		if len(call) > 0 && call[0] == "create-chat" {
			creates++
		}
	}
	if creates != 2 {
		t.Errorf("create-chat invocations = %d, want 2 (repeat must not resume)", creates)
	}
}

func TestServer_ThinkBlockChainsAcrossRequests(t *testing.T) {
	ts, cfg := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-chain",
		Response:  `{"type":"result","result":"pong"}`,
	}, func(cfg *Config) { cfg.EnableInfoInThink = true })

	resp := postCompletion(t, ts, ChatCompletionRequest{
		Model:    "auto",
		Messages: []Message{{Role: RoleUser, Content: TextContent("ping")}},
	})
	out := decodeCompletion(t, resp)
	returned := out.Choices[0].Message.Content.PlainText()
	if !strings.Contains(returned, "<think>") {
		t.Fatalf("first reply missing think block: %q", returned)
	}

	// The client echoes the reply verbatim, think block included; the
	// follow-up must fingerprint onto the rekeyed session, not create a
	// second one.
	resp = postCompletion(t, ts, ChatCompletionRequest{
		Model: "auto",
		Messages: []Message{
			{Role: RoleUser, Content: TextContent("ping")},
			{Role: RoleAssistant, Content: TextContent(returned)},
			{Role: RoleUser, Content: TextContent("again")},
		},
	})
	decodeCompletion(t, resp)

	creates := 0
	for _, call := range testutil.RecordedCalls(t, cfg.AgentBin) {
		if len(call) > 0 && call[0] == "create-chat" {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("create-chat invocations = %d, want 1 (follow-up must resume)", creates)
	}
}

func TestServer_CustomSessionIDResume(t *testing.T) {
	ts, cfg := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-tagged",
		Response:  `{"type":"result","result":"first"}`,
	}, nil)

	// Establish a session.
	resp := postCompletion(t, ts, ChatCompletionRequest{
		Model:    "auto",
		Messages: []Message{{Role: RoleUser, Content: TextContent("start")}},
	})
	decodeCompletion(t, resp)

	// A request with an unrelated history but a matching tag resumes it.
	resp = postCompletion(t, ts, ChatCompletionRequest{
		Model: "auto",
		Messages: []Message{
			{Role: RoleSystem, Content: TextContent("<session_id>sess-tagged</session_id>")},
			{Role: RoleUser, Content: TextContent("totally different history")},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	decodeCompletion(t, resp)

	store, _ := NewSessionStore(cfg.StoragePath(), cfg.WorkspaceBase(), cfg.AgentBin)
	count, _ := store.Len()
	if count != 1 {
		t.Errorf("session count = %d, want 1", count)
	}
}

func TestServer_StreamingCompletion(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"assistant","timestamp_ms":1,"message":{"content":[{"type":"text","text":"Hello"}]}}`,
		`{"type":"assistant","timestamp_ms":2,"message":{"content":[{"type":"text","text":" world"}]}}`,
		`{"type":"result","result":"Hello world"}`,
	}, "\n") + "\n"

	ts, _ := newTestServer(t, testutil.FakeAgentConfig{Stream: stream}, nil)

	resp := postCompletion(t, ts, ChatCompletionRequest{
		Model:    "auto",
		Stream:   true,
		Messages: []Message{{Role: RoleUser, Content: TextContent("greet")}},
	})
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var content strings.Builder
	sawRole := false
	sawStop := false
	sawDone := false

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		var chunk ChatCompletionChunk
		testutil.JSONUnmarshal(t, []byte(payload), &chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Role == RoleAssistant {
			sawRole = true
		}
		if choice.FinishReason != nil && *choice.FinishReason == "stop" {
			sawStop = true
		}
		content.WriteString(choice.Delta.Content)
	}

	if !sawRole {
		t.Error("no opening role chunk")
	}
	if !sawStop {
		t.Error("no finish_reason stop chunk")
	}
	if !sawDone {
		t.Error("no [DONE] terminator")
	}
	if !strings.Contains(content.String(), "Hello world") {
		t.Errorf("streamed content = %q", content.String())
	}
}

func TestServer_ThinkBlockOnNewSession(t *testing.T) {
	ts, _ := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-think",
		Response:  `{"type":"result","result":"pong"}`,
	}, func(cfg *Config) { cfg.EnableInfoInThink = true })

	resp := postCompletion(t, ts, ChatCompletionRequest{
		Model:    "auto",
		Messages: []Message{{Role: RoleUser, Content: TextContent("ping")}},
	})
	out := decodeCompletion(t, resp)

	content := out.Choices[0].Message.Content.PlainText()
	if !strings.HasPrefix(content, "<think>Session ID: sess-think\n") {
		t.Errorf("think block missing: %q", content)
	}
	if !strings.Contains(content, "Slash Commands: (none)") {
		t.Errorf("slash command summary missing: %q", content)
	}
	if !strings.HasSuffix(content, "pong") {
		t.Errorf("result not appended after think block: %q", content)
	}
}

func TestServer_StreamingThinkBlockTrailsReply(t *testing.T) {
	stream := `{"type":"assistant","timestamp_ms":1,"message":{"content":[{"type":"text","text":"Hi"}]}}` + "\n" +
		`{"type":"result","result":"Hi"}` + "\n"

	ts, cfg := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-trail",
		Stream:    stream,
	}, func(cfg *Config) { cfg.EnableInfoInThink = true })

	resp := postCompletion(t, ts, ChatCompletionRequest{
		Model:    "auto",
		Stream:   true,
		Messages: []Message{{Role: RoleUser, Content: TextContent("hello")}},
	})
	defer resp.Body.Close()

	var deltas []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var chunk ChatCompletionChunk
		testutil.JSONUnmarshal(t, []byte(payload), &chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			deltas = append(deltas, chunk.Choices[0].Delta.Content)
		}
	}

	if len(deltas) == 0 {
		t.Fatal("no content chunks streamed")
	}
	// The session info is the final content chunk, after the reply.
	last := deltas[len(deltas)-1]
	if !strings.HasPrefix(last, "<think>Session ID: sess-trail\n") {
		t.Errorf("last chunk = %q, want trailing think block", last)
	}
	for _, delta := range deltas[:len(deltas)-1] {
		if strings.Contains(delta, "<think>") {
			t.Errorf("think block streamed before the reply: %q", delta)
		}
	}

	// The migrated fingerprint covers the content exactly as streamed.
	store, err := NewSessionStore(cfg.StoragePath(), cfg.WorkspaceBase(), cfg.AgentBin)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	followUp := []Message{
		{Role: RoleUser, Content: TextContent("hello")},
		{Role: RoleAssistant, Content: TextContent(strings.Join(deltas, ""))},
	}
	record, _ := store.GetByFingerprint(Fingerprint(followUp))
	if record == nil || record.SessionID != "sess-trail" {
		t.Errorf("migrated record = %+v", record)
	}
}

func TestSessionTitle_SlicesOnRuneBoundaries(t *testing.T) {
	long := strings.Repeat("日", titleLimit+10)
	title := sessionTitle([]Message{{Role: RoleUser, Content: TextContent(long)}})
	if !utf8.ValidString(title) {
		t.Errorf("title is invalid UTF-8: %q", title)
	}
	if utf8.RuneCountInString(title) != titleLimit {
		t.Errorf("title = %d runes, want %d", utf8.RuneCountInString(title), titleLimit)
	}
}

func TestServer_ExecutionErrorMapsToBadGateway(t *testing.T) {
	ts, _ := newTestServer(t, testutil.FakeAgentConfig{
		SessionID: "sess-err",
		Response:  "boom",
		ExitCode:  7,
		Stderr:    "agent exploded",
	}, nil)

	resp := postCompletion(t, ts, ChatCompletionRequest{
		Model:    "auto",
		Messages: []Message{{Role: RoleUser, Content: TextContent("hi")}},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if envelope.Error.Type != "execution_error" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
	if !strings.Contains(envelope.Error.Message, "agent exploded") {
		t.Errorf("error message = %q", envelope.Error.Message)
	}
}

func TestServer_ModelsEndpoint(t *testing.T) {
	// No cache file exists, so the registry serves the defaults.
	ts, _ := newTestServer(t, testutil.FakeAgentConfig{}, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if list.Object != "list" {
		t.Errorf("object = %q", list.Object)
	}

	ids := map[string]bool{}
	for _, m := range list.Data {
		ids[m.ID] = true
	}
	for _, want := range defaultModels {
		if !ids[ToDisplayID(want)] && !ids[want] {
			t.Errorf("model %s missing from listing: %v", want, ids)
		}
	}
	// opus/sonnet ids surface with the claude- prefix.
	if ids["sonnet-4.5"] {
		t.Error("agent-form sonnet id leaked to the API surface")
	}
	if !ids["claude-sonnet-4.5"] {
		t.Error("claude-sonnet-4.5 not advertised")
	}
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t, testutil.FakeAgentConfig{}, nil)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
