package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"medigate/internal/adapter/mcp"
	"medigate/internal/domain"
)

// fakeClient is a scripted BackendClient.
type fakeClient struct {
	backend  domain.Backend
	caps     *mcp.Capabilities
	initErr  error
	enumErr  error
	toolErr  error
	toolData json.RawMessage

	mu        sync.Mutex
	toolCalls []string
}

func (f *fakeClient) Backend() domain.Backend { return f.backend }

func (f *fakeClient) Initialize(ctx context.Context) (*mcp.Session, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.Session{Backend: f.backend.Name, ID: "s"}, nil
}

func (f *fakeClient) Enumerate(ctx context.Context) (*mcp.Capabilities, error) {
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	return f.caps, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.toolCalls = append(f.toolCalls, name)
	f.mu.Unlock()
	if f.toolErr != nil {
		return nil, f.toolErr
	}
	return f.toolData, nil
}

func (f *fakeClient) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return json.RawMessage(`{"uri":"` + uri + `"}`), nil
}

// recordingProvider captures every prompt it is asked to answer.
type recordingProvider struct {
	mu      sync.Mutex
	prompts []string
	err     error
	text    string
}

func (p *recordingProvider) Generate(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, req.Prompt)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	text := p.text
	if text == "" {
		text = "answer"
	}
	return &domain.ModelResponse{Text: text, Usage: domain.Usage{TotalTokens: 10}}, nil
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func newTestOrchestrator(clients map[string]BackendClient, provider domain.ModelProvider) *Orchestrator {
	var backends []domain.Backend
	for _, c := range clients {
		backends = append(backends, c.Backend())
	}
	return New(NewRegistry(backends), clients, provider, testPromptBuilder(6000), newTestLogger())
}

func medicareClient() *fakeClient {
	return &fakeClient{
		backend: domain.Backend{
			Name:    "medicare",
			Enabled: true,
			ToolKeywords: map[string][]string{
				"list_medicare_documents": {"document"},
			},
		},
		caps: &mcp.Capabilities{
			Backend: "medicare",
			Tools: []domain.ToolDescriptor{
				{Name: "list_medicare_documents", Backend: "medicare"},
			},
		},
		toolData: json.RawMessage(`["a.pdf","b.pdf"]`),
	}
}

func TestAnswerDropsFailedBackendAndSucceeds(t *testing.T) {
	healthy := medicareClient()
	broken := &fakeClient{
		backend: domain.Backend{Name: "jira", Enabled: true},
		initErr: domain.NewDomainError("x", domain.ErrHandshake, "down"),
	}
	provider := &recordingProvider{}
	o := newTestOrchestrator(map[string]BackendClient{
		"medicare": healthy, "jira": broken,
	}, provider)

	answer, err := o.Answer(context.Background(), domain.QueryRequest{Query: "hello"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer.Response != "answer" {
		t.Errorf("response = %q", answer.Response)
	}
	if answer.ID == "" {
		t.Error("answer has no id")
	}
	// Only the surviving backend appears in the prompt.
	if provider.callCount() != 1 {
		t.Fatalf("model calls = %d, want 1", provider.callCount())
	}
	prompt := provider.prompts[0]
	if !strings.Contains(prompt, "- medicare:") {
		t.Errorf("surviving backend missing from prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "- jira:") {
		t.Errorf("dropped backend leaked into prompt:\n%s", prompt)
	}
}

func TestAnswerAllBackendsFailedNoModelCall(t *testing.T) {
	broken := &fakeClient{
		backend: domain.Backend{Name: "medicare", Enabled: true},
		enumErr: domain.NewDomainError("x", domain.ErrEnumeration, "down"),
	}
	provider := &recordingProvider{}
	o := newTestOrchestrator(map[string]BackendClient{"medicare": broken}, provider)

	_, err := o.Answer(context.Background(), domain.QueryRequest{Query: "hello"})
	if !errors.Is(err, domain.ErrNoBackends) {
		t.Fatalf("err = %v, want ErrNoBackends", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("model calls = %d, want 0 when no backend survives", provider.callCount())
	}
}

func TestAnswerEmptySelection(t *testing.T) {
	provider := &recordingProvider{}
	o := New(NewRegistry(nil), map[string]BackendClient{}, provider, testPromptBuilder(6000), newTestLogger())

	_, err := o.Answer(context.Background(), domain.QueryRequest{Query: "hello"})
	if !errors.Is(err, domain.ErrNoBackends) {
		t.Fatalf("err = %v, want ErrNoBackends", err)
	}
}

func TestAnswerUnknownSelection(t *testing.T) {
	provider := &recordingProvider{}
	o := newTestOrchestrator(map[string]BackendClient{"medicare": medicareClient()}, provider)

	_, err := o.Answer(context.Background(), domain.QueryRequest{
		Query:     "hello",
		Selection: domain.SelectionFilter{Backends: []string{"ghost"}},
	})
	if !errors.Is(err, domain.ErrBackendNotFound) {
		t.Fatalf("err = %v, want ErrBackendNotFound", err)
	}
}

func TestAnswerModelFailureIsFatal(t *testing.T) {
	provider := &recordingProvider{err: domain.NewDomainError("llm", domain.ErrModelCall, "api down")}
	o := newTestOrchestrator(map[string]BackendClient{"medicare": medicareClient()}, provider)

	_, err := o.Answer(context.Background(), domain.QueryRequest{Query: "hello"})
	if !errors.Is(err, domain.ErrModelCall) {
		t.Fatalf("err = %v, want ErrModelCall", err)
	}
}

func TestAnswerCancelled(t *testing.T) {
	provider := &recordingProvider{}
	o := newTestOrchestrator(map[string]BackendClient{"medicare": medicareClient()}, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Answer(ctx, domain.QueryRequest{Query: "hello"})
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("model calls = %d, want 0 after cancellation", provider.callCount())
	}
}

func TestAnswerDispatchRound(t *testing.T) {
	client := medicareClient()
	provider := &recordingProvider{}
	o := newTestOrchestrator(map[string]BackendClient{"medicare": client}, provider)

	answer, err := o.Answer(context.Background(), domain.QueryRequest{
		Query:          "show me the documents",
		IncludeBackend: true,
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	// Keyword "document" matches: one fetch, then a follow-up model call.
	if got := len(client.toolCalls); got != 1 {
		t.Fatalf("tool calls = %d, want 1 (single-shot dispatch)", got)
	}
	if provider.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2 (initial + follow-up)", provider.callCount())
	}
	if !strings.Contains(provider.prompts[1], "Additional context from backend servers:") {
		t.Errorf("follow-up prompt missing data block:\n%s", provider.prompts[1])
	}

	if len(answer.Provenance) != 1 {
		t.Fatalf("provenance = %d entries, want 1", len(answer.Provenance))
	}
	p := answer.Provenance[0]
	if p.Backend != "medicare" || p.Kind != "tool" || p.Name != "list_medicare_documents" {
		t.Errorf("provenance = %+v", p)
	}
	if string(p.Result) != `["a.pdf","b.pdf"]` {
		t.Errorf("provenance result = %s", p.Result)
	}
}

func TestAnswerDispatchNoMatchSkipsFollowUp(t *testing.T) {
	client := medicareClient()
	provider := &recordingProvider{}
	o := newTestOrchestrator(map[string]BackendClient{"medicare": client}, provider)

	answer, err := o.Answer(context.Background(), domain.QueryRequest{
		Query:          "what is the weather",
		IncludeBackend: true,
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(client.toolCalls) != 0 {
		t.Errorf("tool calls = %d, want 0 without keyword match", len(client.toolCalls))
	}
	if provider.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 when nothing is fetched", provider.callCount())
	}
	if len(answer.Provenance) != 0 {
		t.Errorf("provenance = %d, want 0", len(answer.Provenance))
	}
}

func TestAnswerDispatchFetchFailureIsSkipped(t *testing.T) {
	client := medicareClient()
	client.toolErr = domain.NewDomainError("x", domain.ErrBackendProtocol, "boom")
	provider := &recordingProvider{}
	o := newTestOrchestrator(map[string]BackendClient{"medicare": client}, provider)

	answer, err := o.Answer(context.Background(), domain.QueryRequest{
		Query:          "show me the documents",
		IncludeBackend: true,
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(answer.Provenance) != 0 {
		t.Errorf("provenance = %d, want 0 after fetch failure", len(answer.Provenance))
	}
	if provider.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (no data, no follow-up)", provider.callCount())
	}
}
