package costmodel

import "foreman/internal/plan"

const charsPerToken = 4

// inputOverheadTokens is the fixed prompt scaffolding per task type: system
// preamble, acceptance criteria framing, and dependency excerpt headers.
var inputOverheadTokens = map[string]int{
	"coding":   600,
	"analysis": 500,
	"data":     450,
	"writing":  350,
}

const defaultInputOverheadTokens = 400

// outputBaselineTokens is the expected response size per task type at
// medium difficulty.
var outputBaselineTokens = map[string]int{
	"coding":   1500,
	"analysis": 1000,
	"data":     1200,
	"writing":  800,
}

const defaultOutputBaselineTokens = 900

// EstimateTokens predicts input/output token counts for a task. Input scales
// with the directive length so short directives estimate below the task-type
// baseline; output scales with task type and difficulty.
func EstimateTokens(directive, taskType string, difficulty plan.Difficulty) TokenCounts {
	overhead, ok := inputOverheadTokens[taskType]
	if !ok {
		overhead = defaultInputOverheadTokens
	}
	input := overhead + len(directive)/charsPerToken

	baseline, ok := outputBaselineTokens[taskType]
	if !ok {
		baseline = defaultOutputBaselineTokens
	}
	output := baseline
	switch difficulty {
	case plan.DifficultyLow:
		output = baseline * 6 / 10
	case plan.DifficultyHigh:
		output = baseline * 3 / 2
	}

	return TokenCounts{Input: input, Output: output}
}
