package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Tool is a single tool entry in an agent's tool set.
type Tool struct {
	Type          string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`
}

// WebSearchTool is the web_search_preview tool with no extra configuration.
func WebSearchTool() Tool { return Tool{Type: "web_search_preview"} }

// FileSearchTool binds file_search to a vector store.
func FileSearchTool(vectorStoreID string) Tool {
	return Tool{Type: "file_search", VectorStoreIDs: []string{vectorStoreID}}
}

// AgentDef is a canonical agent definition: name, model, instructions, tools.
type AgentDef struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	Tools        []Tool `json:"tools"`
}

// agentWireBody is the create/update body shape expected by the remote
// service: a definition object nested under "definition".
type agentWireBody struct {
	Name       string `json:"name"`
	Definition AgentDef `json:"definition"`
}

type createAgentResponse struct {
	ID string `json:"id"`
}

// CreateAgent creates a new agent from def, returning its id.
func (c *Client) CreateAgent(ctx context.Context, def AgentDef) (string, error) {
	var resp createAgentResponse
	body := agentWireBody{Name: def.Name, Definition: def}
	if err := c.postJSON(ctx, "agents", body, &resp); err != nil {
		return "", fmt.Errorf("agentclient: create_agent %s: %w", def.Name, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("agentclient: create_agent %s: empty id in response", def.Name)
	}
	return resp.ID, nil
}

// UpdateAgent overwrites the definition of an existing agent by id.
func (c *Client) UpdateAgent(ctx context.Context, id string, def AgentDef) error {
	body := agentWireBody{Name: def.Name, Definition: def}
	if err := c.patchJSON(ctx, "agents/"+id, body, nil); err != nil {
		return fmt.Errorf("agentclient: update_agent %s: %w", id, err)
	}
	return nil
}

// ListAgentsByName lists existing agents, returning a case-insensitive
// name→id map. Tolerant of two response shapes: an envelope with a "data"
// array, or a bare top-level array. Items lacking a string id or a
// resolvable name (from "name" or nested "definition.name") are skipped.
func (c *Client) ListAgentsByName(ctx context.Context) (map[string]string, error) {
	raw, err := c.getRawAgentsList(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentclient: list_agents_by_name: %w", err)
	}

	result := make(map[string]string, len(raw))
	for _, item := range raw {
		id, _ := item["id"].(string)
		if id == "" {
			continue
		}
		name, _ := item["name"].(string)
		if name == "" {
			if def, ok := item["definition"].(map[string]any); ok {
				name, _ = def["name"].(string)
			}
		}
		if name == "" {
			continue
		}
		result[strings.ToLower(name)] = id
	}
	return result, nil
}

func (c *Client) getRawAgentsList(ctx context.Context) ([]map[string]any, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "agents", &raw); err != nil {
		return nil, err
	}

	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Data != nil {
		return envelope.Data, nil
	}

	var bare []map[string]any
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("agentclient: unrecognized agents list shape")
}
