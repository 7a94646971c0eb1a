package pipeline

import (
	"context"
	"strings"

	"github.com/slideforge/slideforge/engine/agentclient"
	"github.com/slideforge/slideforge/engine/domain"
	"github.com/slideforge/slideforge/engine/parse"
)

var defaultBullets = []string{"Overview", "Key points", "Summary"}

const (
	maxTitleChars     = 80
	minBullets        = 3
	maxBullets        = 6
	maxSearchQueries  = 8
	maxKeyConstraints = 24
)

// planStage invokes the planner agent and normalizes its output; on any
// failure it falls back to a local synthesis so the pipeline can continue
// (the planner is best-effort).
func (o *Orchestrator) planStage(ctx context.Context, pc domain.ProvisionContext, input domain.JobInput, effectivePrompt string) domain.PlannerOutput {
	req := agentclient.ResponseRequest{
		Model:        o.modelName,
		Instructions: o.instructions.Planner,
		Input:        []agentclient.Message{{Role: "user", Content: agentclient.BuildUserInput(effectivePrompt, input.ImageDataURL)}},
		Text: &agentclient.TextFormat{Format: agentclient.SchemaFormat{
			Type: "json_schema", Name: "planner_output", Schema: parse.PlannerSchema, Strict: true,
		}},
	}
	if id, ok := pc.AgentIDs["planner"]; ok {
		req.AgentID = id
	}

	env, err := o.caller.CreateResponse(ctx, req)
	if err != nil {
		o.logger.Warn("pipeline: planner call failed, using local fallback", "err", err)
		return synthesizeOutline(input.Prompt)
	}

	wire, err := parse.ParseJSONFromOutputText[parse.PlannerWire](env)
	if err != nil {
		o.logger.Warn("pipeline: planner output did not parse, using local fallback", "err", err)
		return synthesizeOutline(input.Prompt)
	}
	return normalizePlanner(wire, input.Prompt)
}

// synthesizeOutline builds a default outline from the first line of the
// raw prompt, used whenever the planner is unavailable or returns nothing.
func synthesizeOutline(rawPrompt string) domain.PlannerOutput {
	title := truncateRunes(strings.TrimSpace(firstLine(rawPrompt)), maxTitleChars)
	if title == "" {
		title = "Untitled"
	}
	return domain.PlannerOutput{
		Title:   title,
		Bullets: append([]string{}, defaultBullets...),
	}
}

// normalizePlanner converts the wire shape into domain.PlannerOutput,
// synthesizing a missing/empty outline and enforcing the bullet/query/
// constraint bounds.
func normalizePlanner(wire parse.PlannerWire, rawPrompt string) domain.PlannerOutput {
	var title string
	var bullets []string

	if len(wire.Outline) > 0 && strings.TrimSpace(wire.Outline[0].Title) != "" {
		title = truncateRunes(strings.TrimSpace(wire.Outline[0].Title), maxTitleChars)
		bullets = wire.Outline[0].Bullets
	} else {
		fallback := synthesizeOutline(rawPrompt)
		title = fallback.Title
		bullets = fallback.Bullets
	}

	bullets = normalizeBullets(bullets)

	return domain.PlannerOutput{
		Title:          title,
		Bullets:        bullets,
		SearchQueries:  dedupeCI(wire.SearchQueries, maxSearchQueries),
		KeyConstraints: dedupeCI(wire.KeyConstraints, maxKeyConstraints),
	}
}

// normalizeBullets trims blanks, then pads or trims to the 3..6 range.
func normalizeBullets(bullets []string) []string {
	out := make([]string, 0, len(bullets))
	for _, b := range bullets {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	i := 0
	for len(out) < minBullets {
		out = append(out, defaultBullets[i%len(defaultBullets)])
		i++
	}
	if len(out) > maxBullets {
		out = out[:maxBullets]
	}
	return out
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
