package agentclient

import (
	"context"
	"fmt"
)

// ContentPart is one part of a user message's content array.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is a single input message in a responses request.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// BuildUserInput composes a user message's content parts: always a text
// part, plus an image part when imageDataURL is non-empty.
func BuildUserInput(text, imageDataURL string) []ContentPart {
	parts := []ContentPart{{Type: "input_text", Text: text}}
	if imageDataURL != "" {
		parts = append(parts, ContentPart{Type: "input_image", ImageURL: imageDataURL})
	}
	return parts
}

// TextFormat requests structured JSON output conforming to a JSON Schema.
type TextFormat struct {
	Format SchemaFormat `json:"format"`
}

// SchemaFormat names and embeds a JSON Schema document.
type SchemaFormat struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Schema any    `json:"schema"`
	Strict bool   `json:"strict"`
}

// ResponseRequest is the body of a create_response call. AgentID, when set,
// routes the call through a provisioned agent's own configuration; callers
// that leave it empty still send Instructions directly so the request is
// self-contained even against a degraded/partial agent roster.
type ResponseRequest struct {
	Model        string      `json:"model"`
	AgentID      string      `json:"agent_id,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
	Input        []Message   `json:"input"`
	Tools        []Tool      `json:"tools,omitempty"`
	Text         *TextFormat `json:"text,omitempty"`
}

// Envelope is the raw, dual-shape response from a create_response call
// (engine/parse knows how to extract text/JSON from it).
type Envelope struct {
	OutputText *string      `json:"output_text,omitempty"`
	Output     []OutputItem `json:"output,omitempty"`
}

// OutputItem is one item of the nested "output" array shape.
type OutputItem struct {
	Content []OutputContent `json:"content,omitempty"`
}

// OutputContent is one content entry within an OutputItem.
type OutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CreateResponse invokes the model with req, returning the raw envelope for
// engine/parse to interpret.
func (c *Client) CreateResponse(ctx context.Context, req ResponseRequest) (Envelope, error) {
	var env Envelope
	if err := c.postJSON(ctx, "responses", req, &env); err != nil {
		return Envelope{}, fmt.Errorf("agentclient: create_response: %w", err)
	}
	return env, nil
}
