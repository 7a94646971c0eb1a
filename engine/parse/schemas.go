package parse

// The schemas below are literal JSON Schema documents passed to the model
// service's structured-output ("text.format") parameter. Each is
// additionalProperties:false with an explicit required list, matching what
// the model service enforces server-side.

// PlannerSchema constrains the single-slide outline: one outline entry,
// 3..6 bullets, up to 8 search queries, up to 24 constraints.
var PlannerSchema = map[string]any{
	"type":                 "object",
	"additionalProperties":  false,
	"required":             []string{"slideCount", "outline", "searchQueries", "keyConstraints"},
	"properties": map[string]any{
		"slideCount": map[string]any{
			"type":    "integer",
			"minimum": 1,
			"maximum": 1,
		},
		"outline": map[string]any{
			"type":     "array",
			"minItems": 1,
			"maxItems": 1,
			"items": map[string]any{
				"type":                "object",
				"additionalProperties": false,
				"required":            []string{"title", "bullets"},
				"properties": map[string]any{
					"title": map[string]any{"type": "string", "maxLength": 80},
					"bullets": map[string]any{
						"type":     "array",
						"minItems": 3,
						"maxItems": 6,
						"items":    map[string]any{"type": "string"},
					},
				},
			},
		},
		"searchQueries": map[string]any{
			"type":     "array",
			"maxItems": 8,
			"items":    map[string]any{"type": "string"},
		},
		"keyConstraints": map[string]any{
			"type":     "array",
			"maxItems": 24,
			"items":    map[string]any{"type": "string"},
		},
	},
}

// WebResearchSchema constrains findings and web citations.
var WebResearchSchema = map[string]any{
	"type":                 "object",
	"additionalProperties":  false,
	"required":             []string{"findings", "citations", "usedQueries"},
	"properties": map[string]any{
		"findings": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"citations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                "object",
				"additionalProperties": false,
				"required":            []string{"title", "url", "quote"},
				"properties": map[string]any{
					"title": map[string]any{"type": "string"},
					"url":   map[string]any{"type": "string"},
					"quote": map[string]any{"type": "string"},
				},
			},
		},
		"usedQueries": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
}

// FileResearchSchema constrains snippets and file citations.
var FileResearchSchema = map[string]any{
	"type":                 "object",
	"additionalProperties":  false,
	"required":             []string{"snippets", "citations"},
	"properties": map[string]any{
		"snippets": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"citations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                "object",
				"additionalProperties": false,
				"required":            []string{"fileId", "filename", "snippet"},
				"properties": map[string]any{
					"fileId":   map[string]any{"type": "string"},
					"filename": map[string]any{"type": "string"},
					"snippet":  map[string]any{"type": "string"},
				},
			},
		},
	},
}

// ValidatorSchema requires ok, issues, and fixedPromptAppendix.
var ValidatorSchema = map[string]any{
	"type":                 "object",
	"additionalProperties":  false,
	"required":             []string{"ok", "issues", "fixedPromptAppendix"},
	"properties": map[string]any{
		"ok":                  map[string]any{"type": "boolean"},
		"issues":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"fixedPromptAppendix": map[string]any{"type": "string"},
	},
}
