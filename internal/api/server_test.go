package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/queue"
	"github.com/nghyane/llm-relay/internal/registry"
	"github.com/nghyane/llm-relay/internal/relay"
	"github.com/nghyane/llm-relay/internal/store"
	"github.com/nghyane/llm-relay/internal/upstream"
	"github.com/nghyane/llm-relay/internal/usage"
)

const testAPIKey = "test-key"

// fakeOpener serves one scripted message sequence per Open call and
// records every request it saw.
type fakeOpener struct {
	mu      sync.Mutex
	scripts [][]upstream.Message
	reqs    []upstream.Request
	openErr error
}

func newScriptedOpener() *fakeOpener { return &fakeOpener{} }

func (o *fakeOpener) push(msgs ...upstream.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scripts = append(o.scripts, msgs)
}

func (o *fakeOpener) Open(_ context.Context, req upstream.Request) (upstream.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reqs = append(o.reqs, req)
	if o.openErr != nil {
		return nil, o.openErr
	}
	if len(o.scripts) == 0 {
		return nil, errors.New("no scripted stream")
	}
	msgs := o.scripts[0]
	o.scripts = o.scripts[1:]
	return &fakeSource{msgs: msgs}, nil
}

func (o *fakeOpener) requests() []upstream.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]upstream.Request, len(o.reqs))
	copy(out, o.reqs)
	return out
}

type fakeSource struct {
	msgs []upstream.Message
	next int
}

func (s *fakeSource) Recv() (upstream.Message, error) {
	if s.next < len(s.msgs) {
		m := s.msgs[s.next]
		s.next++
		return m, nil
	}
	return upstream.Message{}, io.EOF
}

func (s *fakeSource) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Upstream.BaseURL = "https://backend.example"
	cfg.APIKeys = []string{testAPIKey}
	cfg.Models = []config.ModelAlias{{ID: "relay-default", UpstreamName: "backend-model"}}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opener relay.StreamOpener) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	reg.Load(cfg.Models)
	var tr *relay.Translator
	if opener != nil {
		tr = relay.NewTranslator(opener)
	}
	return New(Options{
		Config:        cfg,
		Registry:      reg,
		Serializer:    queue.New(),
		Conversations: store.NewConversations(cfg.Store.MaxConversations, nil),
		Translator:    tr,
		Tracker:       usage.NewTracker(nil),
	})
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func authed(extra ...string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + testAPIKey}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

func textMsg(content string) upstream.Message {
	return upstream.Message{Target: upstream.TargetMessage, Content: content}
}

func toolCallMsg(content string) upstream.Message {
	return upstream.Message{Target: upstream.TargetToolCall, Content: content}
}

func doneMsg(in, out int64) upstream.Message {
	return upstream.Message{State: upstream.StateDone, InputTokens: in, OutputTokens: out}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	w := doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
}

func TestResponsesRequiresAPIKey(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	w := doRequest(s, http.MethodPost, "/v1/responses", `{"input":"hi"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/v1/responses", `{"input":"hi"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", w.Code)
	}
}

func TestListModels(t *testing.T) {
	cfg := testConfig()
	cfg.Models = append(cfg.Models, config.ModelAlias{ID: "alias-b"})
	s := newTestServer(t, cfg, nil)

	w := doRequest(s, http.MethodGet, "/v1/models", "", authed())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	body := gjson.Parse(w.Body.String())
	if got := body.Get("object").String(); got != "list" {
		t.Fatalf("object = %q, want list", got)
	}
	ids := body.Get("data.#.id").Array()
	if len(ids) != 2 {
		t.Fatalf("model count = %d, want 2", len(ids))
	}
	if ids[0].String() != "alias-b" || ids[1].String() != "relay-default" {
		t.Fatalf("ids not sorted: %v", ids)
	}
}

func TestResponsesComplete(t *testing.T) {
	opener := newScriptedOpener()
	opener.push(textMsg("Hello, "), textMsg("world."), doneMsg(12, 4))
	s := newTestServer(t, testConfig(), opener)

	w := doRequest(s, http.MethodPost, "/v1/responses",
		`{"model":"relay-default","input":"Say hello"}`, authed())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Conversation-Id"); !strings.HasPrefix(got, "conv_") {
		t.Fatalf("X-Conversation-Id = %q, want conv_ prefix", got)
	}

	body := gjson.Parse(w.Body.String())
	if got := body.Get("object").String(); got != "response" {
		t.Fatalf("object = %q, want response", got)
	}
	if got := body.Get("status").String(); got != "completed" {
		t.Fatalf("status = %q, want completed", got)
	}
	if got := body.Get("model").String(); got != "relay-default" {
		t.Fatalf("model = %q, want client-visible id", got)
	}
	if got := body.Get("output.0.content.0.text").String(); got != "Hello, world." {
		t.Fatalf("text = %q", got)
	}
	if got := body.Get("usage.total_tokens").Int(); got != 16 {
		t.Fatalf("total_tokens = %d, want 16", got)
	}

	reqs := opener.requests()
	if len(reqs) != 1 {
		t.Fatalf("upstream calls = %d, want 1", len(reqs))
	}
	if reqs[0].Model != "backend-model" {
		t.Fatalf("upstream model = %q, want alias target", reqs[0].Model)
	}
	if len(reqs[0].Turns) != 1 || reqs[0].Turns[0].Content != "Say hello" {
		t.Fatalf("upstream turns = %+v", reqs[0].Turns)
	}
}

func TestResponsesConversationContinuity(t *testing.T) {
	opener := newScriptedOpener()
	opener.push(textMsg("First."), doneMsg(0, 0))
	opener.push(textMsg("Second."), doneMsg(0, 0))
	s := newTestServer(t, testConfig(), opener)

	w := doRequest(s, http.MethodPost, "/v1/responses",
		`{"input":"one","conversation_id":"conv_test"}`, authed())
	if w.Code != http.StatusOK {
		t.Fatalf("first status = %d, body %s", w.Code, w.Body.String())
	}
	w = doRequest(s, http.MethodPost, "/v1/responses",
		`{"input":"two","conversation_id":"conv_test"}`, authed())
	if w.Code != http.StatusOK {
		t.Fatalf("second status = %d, body %s", w.Code, w.Body.String())
	}

	reqs := opener.requests()
	if len(reqs) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(reqs))
	}
	// Second call carries the accumulated history: user, assistant, user.
	turns := reqs[1].Turns
	if len(turns) != 3 {
		t.Fatalf("second call turns = %d, want 3 (%+v)", len(turns), turns)
	}
	if turns[1].Content != "First." {
		t.Fatalf("history missing assistant turn: %+v", turns)
	}
}

func TestResponsesStreaming(t *testing.T) {
	opener := newScriptedOpener()
	opener.push(textMsg("chunk"), doneMsg(0, 0))
	s := newTestServer(t, testConfig(), opener)

	w := doRequest(s, http.MethodPost, "/v1/responses",
		`{"input":"go","stream":true}`, authed())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	body := w.Body.String()
	for _, want := range []string{
		"event: response.created",
		"event: response.output_text.delta",
		"event: response.completed",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}
	// Sequence numbers are gapless from zero.
	seqs := make([]int64, 0, 8)
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if sn := gjson.Get(data, "sequence_number"); sn.Exists() {
				seqs = append(seqs, sn.Int())
			}
		}
	}
	for i, sn := range seqs {
		if sn != int64(i) {
			t.Fatalf("sequence_number[%d] = %d, want %d", i, sn, i)
		}
	}
}

func TestResponsesBounceRetry(t *testing.T) {
	opener := newScriptedOpener()
	opener.push(toolCallMsg(`{"name":"my_tool","arguments":{"a":1}}`))
	opener.push(
		textMsg("Routed to you."),
		toolCallMsg(`{"name":"my_tool","arguments":{"a":1}}`),
		doneMsg(0, 0),
	)
	s := newTestServer(t, testConfig(), opener)

	w := doRequest(s, http.MethodPost, "/v1/responses",
		`{"input":"use my tool"}`, authed())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	reqs := opener.requests()
	if len(reqs) != 2 {
		t.Fatalf("upstream calls = %d, want 2 (bounce retry)", len(reqs))
	}
	if len(reqs[0].SuppressTools) != 0 {
		t.Fatalf("first call suppressed %v, want none", reqs[0].SuppressTools)
	}
	if len(reqs[1].SuppressTools) != 1 || reqs[1].SuppressTools[0] != "my_tool" {
		t.Fatalf("retry suppressed %v, want [my_tool]", reqs[1].SuppressTools)
	}

	body := gjson.Parse(w.Body.String())
	if got := body.Get("output.1.type").String(); got != "function_call" {
		t.Fatalf("output.1.type = %q, want function_call", got)
	}
	if got := body.Get("output.1.name").String(); got != "my_tool" {
		t.Fatalf("function name = %q", got)
	}
}

func TestResponsesUpstreamFailure(t *testing.T) {
	opener := newScriptedOpener()
	opener.openErr = errors.New("connection refused")
	s := newTestServer(t, testConfig(), opener)

	w := doRequest(s, http.MethodPost, "/v1/responses",
		`{"input":"hi"}`, authed())
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502, body %s", w.Code, w.Body.String())
	}
	if got := gjson.Get(w.Body.String(), "error.code").String(); got != "upstream_error" {
		t.Fatalf("error.code = %q", got)
	}
}

func TestResponsesValidation(t *testing.T) {
	s := newTestServer(t, testConfig(), newScriptedOpener())

	w := doRequest(s, http.MethodPost, "/v1/responses", `{}`, authed())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty body: status = %d, want 400", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/v1/responses", `{"input":[]}`, authed())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty input array: status = %d, want 400", w.Code)
	}

	cfg := testConfig()
	cfg.Models = nil
	s = newTestServer(t, cfg, newScriptedOpener())
	w = doRequest(s, http.MethodPost, "/v1/responses", `{"input":"hi"}`, authed())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no model anywhere: status = %d, want 400", w.Code)
	}
}

func TestResponsesInputMessageArray(t *testing.T) {
	opener := newScriptedOpener()
	opener.push(textMsg("ok"), doneMsg(0, 0))
	s := newTestServer(t, testConfig(), opener)

	body := `{"input":[
		{"role":"user","content":"part one"},
		{"role":"user","content":[{"type":"input_text","text":"part "},{"type":"input_text","text":"two"}]}
	]}`
	w := doRequest(s, http.MethodPost, "/v1/responses", body, authed())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	reqs := opener.requests()
	if len(reqs) != 1 || len(reqs[0].Turns) != 2 {
		t.Fatalf("turns = %+v", reqs)
	}
	if reqs[0].Turns[1].Content != "part two" {
		t.Fatalf("part concat = %q", reqs[0].Turns[1].Content)
	}
}

func TestManagementGating(t *testing.T) {
	cfg := testConfig()
	s := newTestServer(t, cfg, nil)

	// Without a secret the whole surface is absent.
	w := doRequest(s, http.MethodGet, "/v0/management/status", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("no secret: status = %d, want 404", w.Code)
	}

	cfg = testConfig()
	cfg.Management.SecretKey = "mgmt-secret"
	s = newTestServer(t, cfg, nil)

	w = doRequest(s, http.MethodGet, "/v0/management/status", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/v0/management/status", "",
		map[string]string{"Authorization": "Bearer mgmt-secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	body := gjson.Parse(w.Body.String())
	if !body.Get("uptime_seconds").Exists() {
		t.Fatalf("status payload missing uptime: %s", w.Body.String())
	}
	if got := body.Get("models").Int(); got != 1 {
		t.Fatalf("models = %d, want 1", got)
	}
}

func TestManagementPatchConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Management.SecretKey = "mgmt-secret"
	s := newTestServer(t, cfg, nil)
	mgmt := map[string]string{"Authorization": "Bearer mgmt-secret"}

	w := doRequest(s, http.MethodPatch, "/v0/management/config",
		`{"debug":true,"rate-limit.rps":5}`, mgmt)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", w.Code, w.Body.String())
	}
	if got := len(gjson.Get(w.Body.String(), "changed").Array()); got != 2 {
		t.Fatalf("changed count = %d, want 2", got)
	}

	w = doRequest(s, http.MethodGet, "/v0/management/debug", "", mgmt)
	if got := gjson.Get(w.Body.String(), "debug").Bool(); !got {
		t.Fatalf("debug not applied: %s", w.Body.String())
	}
	if got := s.Config().RateLimit.RPS; got != 5 {
		t.Fatalf("rps = %v, want 5", got)
	}

	// Unlisted paths are rejected and nothing is applied.
	w = doRequest(s, http.MethodPatch, "/v0/management/config",
		`{"api-keys":["sneaky"]}`, mgmt)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unlisted path: status = %d, want 400", w.Code)
	}
	if got := s.Config().APIKeys; len(got) != 1 || got[0] != testAPIKey {
		t.Fatalf("api keys mutated: %v", got)
	}
}

func TestManagementConversations(t *testing.T) {
	cfg := testConfig()
	cfg.Management.SecretKey = "mgmt-secret"
	opener := newScriptedOpener()
	opener.push(textMsg("stored"), doneMsg(0, 0))
	s := newTestServer(t, cfg, opener)
	mgmt := map[string]string{"Authorization": "Bearer mgmt-secret"}

	w := doRequest(s, http.MethodPost, "/v1/responses",
		`{"input":"hi","conversation_id":"conv_list","title":"My chat"}`, authed())
	if w.Code != http.StatusOK {
		t.Fatalf("seed status = %d, body %s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodGet, "/v0/management/conversations", "", mgmt)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	list := gjson.Get(w.Body.String(), "conversations")
	if got := len(list.Array()); got != 1 {
		t.Fatalf("conversations = %d, want 1", got)
	}
	if got := list.Get("0.title").String(); got != "My chat" {
		t.Fatalf("title = %q", got)
	}
	if got := list.Get("0.turns").Int(); got != 2 {
		t.Fatalf("turns = %d, want 2", got)
	}

	w = doRequest(s, http.MethodGet, "/v0/management/conversations/conv_list", "", mgmt)
	if w.Code != http.StatusOK {
		t.Fatalf("detail status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "conversation.turns.1.content").String(); got != "stored" {
		t.Fatalf("assistant turn = %q", got)
	}

	w = doRequest(s, http.MethodGet, "/v0/management/conversations/missing", "", mgmt)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing conversation: status = %d, want 404", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 1
	s := newTestServer(t, cfg, nil)

	w := doRequest(s, http.MethodGet, "/v1/models", "", authed())
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}
	w = doRequest(s, http.MethodGet, "/v1/models", "", authed())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error.code").String(); got != "rate_limited" {
		t.Fatalf("error.code = %q", got)
	}
}
