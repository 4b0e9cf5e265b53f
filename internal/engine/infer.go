package engine

import (
	"strings"

	"foreman/internal/plan"
)

// Task types known to the cost model's token heuristics.
const (
	TaskTypeCoding   = "coding"
	TaskTypeAnalysis = "analysis"
	TaskTypeData     = "data"
	TaskTypeWriting  = "writing"
)

// taskTypeKeywords maps substrings of a package's name and description to a
// task type. Checked in listed order; first hit wins.
var taskTypeKeywords = []struct {
	taskType string
	words    []string
}{
	{TaskTypeData, []string{"csv", "json", "parse", "transform", "aggregat", "dataset", "etl"}},
	{TaskTypeCoding, []string{"implement", "code", "refactor", "endpoint", "api", "function", "module", "fix bug"}},
	{TaskTypeWriting, []string{"write", "draft", "document", "summar", "report", "readme"}},
	{TaskTypeAnalysis, []string{"analy", "research", "investigat", "review", "evaluat", "strategy"}},
}

var highDifficultyWords = []string{"complex", "advanced", "architect", "distributed", "concurren", "optimiz", "migration"}
var lowDifficultyWords = []string{"simple", "trivial", "basic", "rename", "typo", "boilerplate", "stub"}

// InferTaskType returns the package's declared task type, or infers one from
// its name and description.
func InferTaskType(p plan.WorkPackage) string {
	if p.TaskType != "" {
		return p.TaskType
	}
	text := strings.ToLower(p.Name + " " + p.Description)
	for _, rule := range taskTypeKeywords {
		for _, w := range rule.words {
			if strings.Contains(text, w) {
				return rule.taskType
			}
		}
	}
	return TaskTypeAnalysis
}

// InferDifficulty returns the package's declared difficulty, or infers one
// from its name and description. Medium when nothing matches.
func InferDifficulty(p plan.WorkPackage) plan.Difficulty {
	if p.Difficulty != "" {
		return p.Difficulty
	}
	text := strings.ToLower(p.Name + " " + p.Description)
	for _, w := range highDifficultyWords {
		if strings.Contains(text, w) {
			return plan.DifficultyHigh
		}
	}
	for _, w := range lowDifficultyWords {
		if strings.Contains(text, w) {
			return plan.DifficultyLow
		}
	}
	return plan.DifficultyMedium
}
