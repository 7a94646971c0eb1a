package pipeline

import (
	"context"
	"strings"

	"github.com/slideforge/slideforge/engine/agentclient"
	"github.com/slideforge/slideforge/engine/domain"
	"github.com/slideforge/slideforge/engine/parse"
	"github.com/slideforge/slideforge/pkg/fn"
)

const maxFileKeywords = 12

// researchSlot is the homogeneous payload fn.FanOut needs: each of the two
// concurrent research thunks fills in only the field it's responsible for.
type researchSlot struct {
	web  domain.WebResearchOutput
	file domain.FileResearchOutput
}

// researchStage runs web and file research concurrently but reports the
// step field as Research(Web) then Research(File), per the observable
// ordering the orchestrator promises regardless of internal concurrency.
func (o *Orchestrator) researchStage(ctx context.Context, jobID string, pc domain.ProvisionContext, input domain.JobInput, effectivePrompt string, outline domain.PlannerOutput) (domain.WebResearchOutput, domain.FileResearchOutput) {
	if _, err := o.store.Update(ctx, jobID, func(s *domain.JobState) { s.Step = domain.StepResearchWeb }); err != nil {
		o.logger.Warn("pipeline: step update to Research(Web) failed", "job_id", jobID, "err", err)
	}

	slots := fn.FanOut(
		func() researchSlot { return researchSlot{web: o.runWebResearch(ctx, pc, outline)} },
		func() researchSlot { return researchSlot{file: o.runFileResearch(ctx, pc, effectivePrompt, outline)} },
	)

	if _, err := o.store.Update(ctx, jobID, func(s *domain.JobState) { s.Step = domain.StepResearchFile }); err != nil {
		o.logger.Warn("pipeline: step update to Research(File) failed", "job_id", jobID, "err", err)
	}

	return slots[0].web, slots[1].file
}

// runWebResearch is best-effort: any failure yields an empty output.
func (o *Orchestrator) runWebResearch(ctx context.Context, pc domain.ProvisionContext, outline domain.PlannerOutput) domain.WebResearchOutput {
	queries := dedupeCI(outline.SearchQueries, maxSearchQueries)
	userText := "Research queries:\n- " + strings.Join(queries, "\n- ")

	req := agentclient.ResponseRequest{
		Model:        o.modelName,
		Instructions: o.instructions.WebResearch,
		Input:        []agentclient.Message{{Role: "user", Content: []agentclient.ContentPart{{Type: "input_text", Text: userText}}}},
		Tools:        []agentclient.Tool{agentclient.WebSearchTool()},
		Text: &agentclient.TextFormat{Format: agentclient.SchemaFormat{
			Type: "json_schema", Name: "web_research_output", Schema: parse.WebResearchSchema, Strict: true,
		}},
	}
	if id, ok := pc.AgentIDs["web-research"]; ok {
		req.AgentID = id
	}

	env, err := o.caller.CreateResponse(ctx, req)
	if err != nil {
		o.logger.Warn("pipeline: web research failed, degrading to empty", "err", err)
		return domain.WebResearchOutput{}
	}
	out, err := parse.ParseJSONFromOutputText[domain.WebResearchOutput](env)
	if err != nil {
		o.logger.Warn("pipeline: web research output did not parse, degrading to empty", "err", err)
		return domain.WebResearchOutput{}
	}
	return out
}

// runFileResearch is skipped entirely when no vector store is available,
// and otherwise best-effort like runWebResearch.
func (o *Orchestrator) runFileResearch(ctx context.Context, pc domain.ProvisionContext, effectivePrompt string, outline domain.PlannerOutput) domain.FileResearchOutput {
	if pc.VectorStoreID == "" {
		return domain.FileResearchOutput{}
	}

	keywords := dedupeCI(append(append([]string{}, outline.KeyConstraints...), outline.Title), maxFileKeywords)
	userText := effectivePrompt + "\n\nKeywords: " + strings.Join(keywords, ", ")

	req := agentclient.ResponseRequest{
		Model:        o.modelName,
		Instructions: o.instructions.FileResearch,
		Input:        []agentclient.Message{{Role: "user", Content: []agentclient.ContentPart{{Type: "input_text", Text: userText}}}},
		Tools:        []agentclient.Tool{agentclient.FileSearchTool(pc.VectorStoreID)},
		Text: &agentclient.TextFormat{Format: agentclient.SchemaFormat{
			Type: "json_schema", Name: "file_research_output", Schema: parse.FileResearchSchema, Strict: true,
		}},
	}
	if id, ok := pc.AgentIDs["file-research"]; ok {
		req.AgentID = id
	}

	env, err := o.caller.CreateResponse(ctx, req)
	if err != nil {
		o.logger.Warn("pipeline: file research failed, degrading to empty", "err", err)
		return domain.FileResearchOutput{}
	}
	out, err := parse.ParseJSONFromOutputText[domain.FileResearchOutput](env)
	if err != nil {
		o.logger.Warn("pipeline: file research output did not parse, degrading to empty", "err", err)
		return domain.FileResearchOutput{}
	}
	return out
}
