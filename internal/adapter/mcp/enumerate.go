package mcp

import (
	"context"
	"encoding/json"

	"medigate/internal/domain"
)

// Capabilities is the enumerated tool/resource surface of one backend.
type Capabilities struct {
	Backend   string
	Tools     []domain.ToolDescriptor
	Resources []domain.ResourceDescriptor
}

type toolListResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	} `json:"tools"`
}

type resourceListResult struct {
	Resources []struct {
		URI         string `json:"uri"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"resources"`
}

// Enumerate lists the backend's tools and resources, tagging every descriptor
// with the owning backend's name. A failure of either list call yields
// ErrEnumeration; the orchestrator treats that as "this backend contributes
// nothing this round", not as a fatal query error.
func (c *Client) Enumerate(ctx context.Context) (*Capabilities, error) {
	caps := &Capabilities{Backend: c.backend.Name}

	toolsRaw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, domain.NewDomainError("Client.Enumerate", domain.ErrEnumeration,
			"tools/list on "+c.backend.Name+": "+err.Error())
	}
	var tools toolListResult
	if err := json.Unmarshal(toolsRaw, &tools); err != nil {
		return nil, domain.NewDomainError("Client.Enumerate", domain.ErrEnumeration,
			"decode tools/list from "+c.backend.Name+": "+err.Error())
	}
	for _, t := range tools.Tools {
		caps.Tools = append(caps.Tools, domain.ToolDescriptor{
			Name:        t.Name,
			Backend:     c.backend.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	resourcesRaw, err := c.call(ctx, "resources/list", map[string]any{})
	if err != nil {
		return nil, domain.NewDomainError("Client.Enumerate", domain.ErrEnumeration,
			"resources/list on "+c.backend.Name+": "+err.Error())
	}
	var resources resourceListResult
	if err := json.Unmarshal(resourcesRaw, &resources); err != nil {
		return nil, domain.NewDomainError("Client.Enumerate", domain.ErrEnumeration,
			"decode resources/list from "+c.backend.Name+": "+err.Error())
	}
	for _, r := range resources.Resources {
		caps.Resources = append(caps.Resources, domain.ResourceDescriptor{
			URI:         r.URI,
			Name:        r.Name,
			Backend:     c.backend.Name,
			Description: r.Description,
		})
	}

	return caps, nil
}
