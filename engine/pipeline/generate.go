package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/antithesishq/antithesis-sdk-go/assert"

	"github.com/slideforge/slideforge/engine/agentclient"
	"github.com/slideforge/slideforge/engine/domain"
	"github.com/slideforge/slideforge/engine/parse"
)

const maxFixAttempts = 3

var slideSectionPattern = regexp.MustCompile(`(?i)<section\s+class="[^"]*\bslide\b[^"]*"`)

// countSlideSections counts <section class="...slide..."> tags, case
// insensitive, word-bounded on "slide" within the quoted class attribute.
func countSlideSections(html string) int {
	return len(slideSectionPattern.FindAllStringIndex(html, -1))
}

// generateValidateLoop runs the bounded generate/validate fix loop: up to
// three attempts total, each persisting result.html before validating it.
// A success exits with the chosen HTML; exhausting all attempts without a
// single-slide, validator-approved result is a fatal pipeline failure.
func (o *Orchestrator) generateValidateLoop(ctx context.Context, jobID string, pc domain.ProvisionContext, input domain.JobInput, effectivePrompt string, outline domain.PlannerOutput, web domain.WebResearchOutput, file domain.FileResearchOutput) (string, error) {
	var fixedAppendix string
	generatorCalls, validatorCalls := 0, 0

	for attempt := 0; attempt < maxFixAttempts; attempt++ {
		if _, err := o.store.Update(ctx, jobID, func(s *domain.JobState) {
			s.Step = domain.StepGenerateHTML
			s.Attempts = attempt + 1
		}); err != nil {
			return "", fmt.Errorf("pipeline: step update to Generate HTML: %w", err)
		}

		html, err := o.callGenerator(ctx, pc, input, effectivePrompt, outline, web, file, fixedAppendix)
		generatorCalls++
		if err != nil {
			return "", fmt.Errorf("%w: generator: %v", domain.ErrUpstreamPermanent, err)
		}

		if err := o.store.SaveHTML(ctx, jobID, html); err != nil {
			return "", fmt.Errorf("pipeline: save_html: %w", err)
		}

		if _, err := o.store.Update(ctx, jobID, func(s *domain.JobState) { s.Step = domain.StepValidate }); err != nil {
			return "", fmt.Errorf("pipeline: step update to Validate: %w", err)
		}

		result, err := o.callValidator(ctx, pc, html, input.Aspect)
		validatorCalls++
		if err != nil {
			return "", fmt.Errorf("%w: validator: %v", domain.ErrUpstreamPermanent, err)
		}

		assert.Always(generatorCalls == validatorCalls,
			"generator and validator invocation counts match",
			map[string]any{"job_id": jobID, "generator_calls": generatorCalls, "validator_calls": validatorCalls})

		slideCount := countSlideSections(html)
		if result.OK && slideCount == 1 {
			return html, nil
		}

		if attempt == maxFixAttempts-1 {
			issues := result.Issues
			if slideCount != 1 {
				issues = append([]string{fmt.Sprintf("Expected exactly 1 <section class=\"slide\"> element, found %d", slideCount)}, issues...)
			}
			return "", fmt.Errorf("%w: %s", domain.ErrPipelineFailure, joinIssues(issues, 8))
		}

		fixedAppendix = buildFixedAppendix(result, slideCount)
	}
	return "", fmt.Errorf("%w: exhausted fix loop", domain.ErrPipelineFailure)
}

func (o *Orchestrator) callGenerator(ctx context.Context, pc domain.ProvisionContext, input domain.JobInput, effectivePrompt string, outline domain.PlannerOutput, web domain.WebResearchOutput, file domain.FileResearchOutput, fixedAppendix string) (string, error) {
	prompt := effectivePrompt
	if fixedAppendix != "" {
		prompt = prompt + "\n\n---\n" + fixedAppendix
	}
	userText := composeGeneratorContext(prompt, outline, web, file)

	req := agentclient.ResponseRequest{
		Model:        o.modelName,
		Instructions: o.instructions.Generator,
		Input:        []agentclient.Message{{Role: "user", Content: agentclient.BuildUserInput(userText, input.ImageDataURL)}},
	}
	if id, ok := pc.AgentIDs["html-generator"]; ok {
		req.AgentID = id
	}

	env, err := o.caller.CreateResponse(ctx, req)
	if err != nil {
		return "", err
	}
	return parse.StripCodeFences(parse.ExtractOutputText(env)), nil
}

func (o *Orchestrator) callValidator(ctx context.Context, pc domain.ProvisionContext, html string, aspect domain.Aspect) (domain.ValidatorOutput, error) {
	req := agentclient.ResponseRequest{
		Model:        o.modelName,
		Instructions: o.instructions.Validator,
		Input:        []agentclient.Message{{Role: "user", Content: []agentclient.ContentPart{{Type: "input_text", Text: buildValidatorPrompt(html, aspect)}}}},
		Text: &agentclient.TextFormat{Format: agentclient.SchemaFormat{
			Type: "json_schema", Name: "validator_output", Schema: parse.ValidatorSchema, Strict: true,
		}},
	}
	if id, ok := pc.AgentIDs["validator"]; ok {
		req.AgentID = id
	}

	env, err := o.caller.CreateResponse(ctx, req)
	if err != nil {
		return domain.ValidatorOutput{}, err
	}
	return parse.ParseJSONFromOutputText[domain.ValidatorOutput](env)
}

// composeGeneratorContext flattens the outline and research bundles into a
// single text block the generator agent reads alongside its instructions.
func composeGeneratorContext(prompt string, outline domain.PlannerOutput, web domain.WebResearchOutput, file domain.FileResearchOutput) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nOutline title: ")
	b.WriteString(outline.Title)
	b.WriteString("\nBullets:\n")
	for _, bullet := range outline.Bullets {
		b.WriteString("- " + bullet + "\n")
	}
	if len(web.Findings) > 0 {
		b.WriteString("\nWeb research findings:\n")
		for _, f := range web.Findings {
			b.WriteString("- " + f + "\n")
		}
	}
	if len(file.Snippets) > 0 {
		b.WriteString("\nFile research snippets:\n")
		for _, s := range file.Snippets {
			b.WriteString("- " + s + "\n")
		}
	}
	return b.String()
}

// buildFixedAppendix derives the next attempt's prompt appendix from the
// validator's output, always surfacing a slide-count issue when present.
func buildFixedAppendix(result domain.ValidatorOutput, slideCount int) string {
	appendix := strings.TrimSpace(result.FixedPromptAppendix)
	slideIssue := ""
	if slideCount != 1 {
		slideIssue = fmt.Sprintf("Expected exactly 1 <section class=\"slide\"> element, found %d.", slideCount)
	}

	if appendix != "" {
		if slideIssue != "" {
			return appendix + "\n" + slideIssue
		}
		return appendix
	}

	issues := result.Issues
	if slideIssue != "" {
		issues = append([]string{slideIssue}, issues...)
	}
	if len(issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Fix these issues:\n")
	for _, issue := range issues {
		b.WriteString("- " + issue + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinIssues(issues []string, max int) string {
	if len(issues) > max {
		issues = issues[:max]
	}
	return strings.Join(issues, "; ")
}
