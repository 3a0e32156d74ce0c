package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"medigate/internal/adapter/mcp"
	"medigate/internal/infra/config"
)

const defaultSystemPrompt = "You are a helpful assistant that answers questions " +
	"using data from connected backend servers. Prefer the supplied data over " +
	"your own knowledge and say so when the data cannot answer the question."

const promptInstructions = `Instructions:
1. Analyze the user's query to determine if any backend tools or resources are needed.
2. If backend data is provided, incorporate it into your response.
3. Provide helpful, accurate responses based on available information.
4. If you cannot access certain data, explain why and suggest alternatives.`

// tokenCounter abstracts token counting so the builder keeps working when the
// encoding cannot be loaded.
type tokenCounter interface {
	Count(text string) int
	Truncate(text string, budget int) string
}

// PromptBuilder assembles model prompts from enumerated capabilities and
// fetched backend data. Assembly is deterministic: identical inputs yield
// byte-identical prompts regardless of map iteration or goroutine completion
// order. The token budget applies only to backend data blocks; capability
// listings and the user query are never truncated.
type PromptBuilder struct {
	system  string
	budget  int
	counter tokenCounter
}

// NewPromptBuilder builds a prompt builder from LLM config. A failure to load
// the token encoding degrades to a character-estimate counter.
func NewPromptBuilder(cfg config.LLMConfig, logger *slog.Logger) *PromptBuilder {
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	budget := cfg.TokenBudget
	if budget <= 0 {
		budget = 6000
	}

	var counter tokenCounter
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err != nil {
		logger.Warn("token encoding unavailable, using character estimate", "error", err)
		counter = approxCounter{}
	} else {
		counter = encodingCounter{enc: enc}
	}

	return &PromptBuilder{system: system, budget: budget, counter: counter}
}

// System returns the fixed instruction block sent with every model call.
func (b *PromptBuilder) System() string { return b.system }

// Build assembles the first-pass prompt: capability listing plus the user
// query. Capabilities are ordered by backend name, then tool name, then
// resource URI.
func (b *PromptBuilder) Build(query string, caps []*mcp.Capabilities) string {
	var sb strings.Builder

	sb.WriteString("Available backend servers and their capabilities:\n")
	sb.WriteString(formatCapabilities(caps))
	sb.WriteString("\n\n")
	sb.WriteString(promptInstructions)
	sb.WriteString("\n\nUser Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nResponse:")

	return sb.String()
}

// BuildFollowUp assembles the second-pass prompt carrying fetched backend
// data. The data block is serialized with sorted keys and truncated to the
// token budget if needed; everything else is kept intact.
func (b *PromptBuilder) BuildFollowUp(query string, caps []*mcp.Capabilities, data map[string]map[string]json.RawMessage) (string, error) {
	block, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize backend data: %w", err)
	}

	dataBlock := string(block)
	if b.counter.Count(dataBlock) > b.budget {
		dataBlock = b.counter.Truncate(dataBlock, b.budget) + "\n... (truncated)"
	}

	var sb strings.Builder
	sb.WriteString("Available backend servers and their capabilities:\n")
	sb.WriteString(formatCapabilities(caps))
	sb.WriteString("\n\nAdditional context from backend servers:\n")
	sb.WriteString(dataBlock)
	sb.WriteString("\n\n")
	sb.WriteString(promptInstructions)
	sb.WriteString("\n\nUser Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nPlease provide a comprehensive response incorporating the backend data above:")

	return sb.String(), nil
}

// formatCapabilities renders the capability listing in a fixed order.
func formatCapabilities(caps []*mcp.Capabilities) string {
	ordered := make([]*mcp.Capabilities, len(caps))
	copy(ordered, caps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Backend < ordered[j].Backend })

	var lines []string
	for _, c := range ordered {
		var tools, resources []string
		for _, t := range c.Tools {
			tools = append(tools, t.Name)
		}
		for _, r := range c.Resources {
			resources = append(resources, r.URI)
		}
		sort.Strings(tools)
		sort.Strings(resources)

		lines = append(lines, fmt.Sprintf("- %s:", c.Backend))
		lines = append(lines, "  Tools: "+orNone(tools))
		lines = append(lines, "  Resources: "+orNone(resources))
	}
	if len(lines) == 0 {
		return "- (none)"
	}
	return strings.Join(lines, "\n")
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

// encodingCounter counts with a real BPE encoding.
type encodingCounter struct {
	enc *tiktoken.Tiktoken
}

func (c encodingCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c encodingCounter) Truncate(text string, budget int) string {
	tokens := c.enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return c.enc.Decode(tokens[:budget])
}

// approxCounter estimates ~4 characters per token.
type approxCounter struct{}

func (approxCounter) Count(text string) int { return (len(text) + 3) / 4 }

func (approxCounter) Truncate(text string, budget int) string {
	limit := budget * 4
	if len(text) <= limit {
		return text
	}
	// Cut on a rune boundary.
	cut := limit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
