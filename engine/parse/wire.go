package parse

// PlannerOutline is the single entry of the planner schema's "outline" array.
type PlannerOutline struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

// PlannerWire is the on-the-wire shape returned by the planner agent,
// decoded via ParseJSONFromOutputText before domain normalization
// (engine/pipeline owns the outline→domain.PlannerOutput conversion).
type PlannerWire struct {
	SlideCount     int              `json:"slideCount"`
	Outline        []PlannerOutline `json:"outline"`
	SearchQueries  []string         `json:"searchQueries"`
	KeyConstraints []string         `json:"keyConstraints"`
}
