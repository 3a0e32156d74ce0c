package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"medigate/internal/adapter/mcp"
	"medigate/internal/domain"
	"medigate/internal/infra/tracer"
)

// State names one phase of answering a query.
type State string

const (
	StateSelecting       State = "selecting"
	StateInitializing    State = "initializing"
	StateEnumerating     State = "enumerating"
	StateContextBuilding State = "context_building"
	StateModelCalling    State = "model_calling"
	StateToolDispatch    State = "tool_dispatch"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// BackendClient is the per-backend protocol surface the orchestrator needs.
// *mcp.Client satisfies it.
type BackendClient interface {
	Backend() domain.Backend
	Initialize(ctx context.Context) (*mcp.Session, error)
	Enumerate(ctx context.Context) (*mcp.Capabilities, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)
}

// Orchestrator drives one query through selection, per-backend handshake and
// enumeration, prompt assembly, and model calls. Backends that fail to
// initialize or enumerate drop out of the working set; the query fails only
// when nothing survives or the model call itself fails.
type Orchestrator struct {
	registry *Registry
	clients  map[string]BackendClient
	provider domain.ModelProvider
	prompts  *PromptBuilder
	logger   *slog.Logger
}

// New builds an orchestrator over pre-constructed backend clients.
func New(registry *Registry, clients map[string]BackendClient, provider domain.ModelProvider, prompts *PromptBuilder, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		clients:  clients,
		provider: provider,
		prompts:  prompts,
		logger:   logger,
	}
}

// Client returns the protocol client for one backend, for direct passthrough
// calls from the gateway.
func (o *Orchestrator) Client(name string) (BackendClient, error) {
	c, ok := o.clients[name]
	if !ok {
		return nil, domain.NewDomainError("Orchestrator.Client", domain.ErrBackendNotFound, name)
	}
	return c, nil
}

// Registry exposes the backend registry for status endpoints.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// backendReady pairs a surviving backend with its enumerated capabilities.
type backendReady struct {
	client BackendClient
	caps   *mcp.Capabilities
}

// Answer runs the full query pipeline and returns the aggregated answer.
func (o *Orchestrator) Answer(ctx context.Context, req domain.QueryRequest) (*domain.Answer, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.answer",
		trace.WithAttributes(tracer.IntAttr("query.len", len(req.Query))),
	)
	defer span.End()

	answer, err := o.answer(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return answer, nil
}

func (o *Orchestrator) answer(ctx context.Context, req domain.QueryRequest) (*domain.Answer, error) {
	state := StateSelecting
	o.logger.Debug("query state", "state", state)

	selected, err := o.registry.Select(req.Selection)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, domain.NewDomainError("Orchestrator.Answer", domain.ErrNoBackends,
			"no enabled backends match the selection")
	}

	state = StateInitializing
	o.logger.Debug("query state", "state", state, "backends", len(selected))

	ready, err := o.prepareBackends(ctx, selected)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, domain.NewDomainError("Orchestrator.Answer", domain.ErrNoBackends,
			"every selected backend failed to initialize or enumerate")
	}

	state = StateContextBuilding
	o.logger.Debug("query state", "state", state, "surviving", len(ready))

	caps := make([]*mcp.Capabilities, 0, len(ready))
	for _, r := range ready {
		caps = append(caps, r.caps)
	}
	prompt := o.prompts.Build(req.Query, caps)

	state = StateModelCalling
	o.logger.Debug("query state", "state", state)

	resp, err := o.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	text := resp.Text

	var provenance []domain.Provenance
	if req.IncludeBackend {
		state = StateToolDispatch
		o.logger.Debug("query state", "state", state)

		data, prov := o.fetchRelevantData(ctx, req.Query, ready)
		provenance = prov
		if len(data) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, domain.NewDomainError("Orchestrator.Answer", domain.ErrCancelled, err.Error())
			}
			followUp, err := o.prompts.BuildFollowUp(req.Query, caps, data)
			if err != nil {
				return nil, err
			}
			resp, err = o.generate(ctx, followUp)
			if err != nil {
				return nil, err
			}
			text = resp.Text
		}
	}

	o.logger.Info("query answered",
		"backends", len(ready),
		"provenance", len(provenance),
		"tokens", resp.Usage.TotalTokens,
	)

	return &domain.Answer{
		ID:         ulid.Make().String(),
		Response:   text,
		Provenance: provenance,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// prepareBackends initializes and enumerates each selected backend
// concurrently, independently timeboxed by the backend's own timeout.
// Failures drop the backend from this query's working set; cancellation of
// the parent context aborts everything.
func (o *Orchestrator) prepareBackends(ctx context.Context, selected []domain.Backend) ([]backendReady, error) {
	results := make([]*backendReady, len(selected))
	var wg sync.WaitGroup

	for i, backend := range selected {
		client, ok := o.clients[backend.Name]
		if !ok {
			o.logger.Warn("no client for configured backend", "backend", backend.Name)
			continue
		}

		wg.Add(1)
		go func(i int, backend domain.Backend, client BackendClient) {
			defer wg.Done()

			timeout := backend.Timeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			bctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if _, err := client.Initialize(bctx); err != nil {
				o.logger.Warn("backend dropped: handshake failed",
					"backend", backend.Name, "error", err)
				return
			}
			caps, err := client.Enumerate(bctx)
			if err != nil {
				o.logger.Warn("backend dropped: enumeration failed",
					"backend", backend.Name, "error", err)
				return
			}
			results[i] = &backendReady{client: client, caps: caps}
		}(i, backend, client)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, domain.NewDomainError("Orchestrator.Answer", domain.ErrCancelled, err.Error())
	}

	var ready []backendReady
	for _, r := range results {
		if r != nil {
			ready = append(ready, *r)
		}
	}
	return ready, nil
}

// generate calls the model provider, normalizing failures to the query-level
// error taxonomy: cancellation stays cancellation, everything else is a fatal
// model-call failure.
func (o *Orchestrator) generate(ctx context.Context, prompt string) (*domain.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewDomainError("Orchestrator.Answer", domain.ErrCancelled, err.Error())
	}

	resp, err := o.provider.Generate(ctx, domain.ModelRequest{
		System: o.prompts.System(),
		Prompt: prompt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) || ctx.Err() != nil {
			return nil, domain.NewDomainError("Orchestrator.Answer", domain.ErrCancelled, err.Error())
		}
		if errors.Is(err, domain.ErrModelCall) {
			return nil, err
		}
		return nil, domain.NewDomainError("Orchestrator.Answer", domain.ErrModelCall, err.Error())
	}
	return resp, nil
}

// fetchRelevantData runs the single-shot dispatch round: every enumerated
// tool or resource whose configured keywords match the query is fetched once.
// Individual fetch failures are logged and skipped. The returned data map is
// keyed backend name -> item name, and provenance entries are ordered by
// backend, kind, then name so responses are stable.
func (o *Orchestrator) fetchRelevantData(ctx context.Context, query string, ready []backendReady) (map[string]map[string]json.RawMessage, []domain.Provenance) {
	data := make(map[string]map[string]json.RawMessage)
	var provenance []domain.Provenance

	queryLower := strings.ToLower(query)

	for _, r := range ready {
		backend := r.client.Backend()

		for _, tool := range r.caps.Tools {
			if !keywordsMatch(backend.ToolKeywords[tool.Name], queryLower) {
				continue
			}
			result, err := r.client.CallTool(ctx, tool.Name, nil)
			if err != nil {
				o.logger.Warn("relevant tool fetch failed",
					"backend", backend.Name, "tool", tool.Name, "error", err)
				continue
			}
			addFetched(data, backend.Name, tool.Name, result)
			provenance = append(provenance, domain.Provenance{
				Backend: backend.Name,
				Kind:    "tool",
				Name:    tool.Name,
				Result:  result,
			})
		}

		for _, resource := range r.caps.Resources {
			if !keywordsMatch(backend.ResourceKeywords[resource.URI], queryLower) {
				continue
			}
			result, err := r.client.ReadResource(ctx, resource.URI)
			if err != nil {
				o.logger.Warn("relevant resource fetch failed",
					"backend", backend.Name, "uri", resource.URI, "error", err)
				continue
			}
			addFetched(data, backend.Name, resource.URI, result)
			provenance = append(provenance, domain.Provenance{
				Backend: backend.Name,
				Kind:    "resource",
				Name:    resource.URI,
				Result:  result,
			})
		}
	}

	sort.Slice(provenance, func(i, j int) bool {
		a, b := provenance[i], provenance[j]
		if a.Backend != b.Backend {
			return a.Backend < b.Backend
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})

	return data, provenance
}

func addFetched(data map[string]map[string]json.RawMessage, backend, name string, result json.RawMessage) {
	if data[backend] == nil {
		data[backend] = make(map[string]json.RawMessage)
	}
	data[backend][name] = result
}

func keywordsMatch(keywords []string, queryLower string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(queryLower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
