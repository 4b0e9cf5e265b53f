package llm

import "context"

// Usage reports token consumption for one completion. Zero values mean the
// provider did not return usage and the caller must fall back to predicted
// tokens.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Completion is one text completion plus its usage.
type Completion struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

// Transport executes text completions against a model. Errors surface as
// plain Go errors carrying the provider's message.
type Transport interface {
	Execute(ctx context.Context, modelID, prompt string) (*Completion, error)
}

// JudgeRequest asks the external evaluator for an independent quality score.
type JudgeRequest struct {
	TaskType   string `json:"task_type"`
	Directive  string `json:"directive"`
	OutputText string `json:"output_text"`
}

// JudgeResult is the evaluator's verdict.
type JudgeResult struct {
	Status  string             `json:"status"`
	Overall float64            `json:"overall"`
	Scores  map[string]float64 `json:"dimensions,omitempty"`
	CostUSD float64            `json:"cost_usd"`
}

// Judge is the optional external evaluator consumed on sampled outputs.
type Judge interface {
	Evaluate(ctx context.Context, req JudgeRequest) (*JudgeResult, error)
}
