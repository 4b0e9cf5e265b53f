package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"foreman/internal/llm"
	"foreman/internal/plan"
)

// ErrMalformedReview reports an LLM review response that did not carry the
// required JSON verdict. The caller falls back to the deterministic result.
var ErrMalformedReview = errors.New("qa: malformed review response")

// ReviewResult is the verdict returned by an LLM review pass.
type ReviewResult struct {
	Pass         bool     `json:"pass"`
	QualityScore float64  `json:"qualityScore"`
	Defects      []string `json:"defects"`

	ModelID string     `json:"model_id"`
	Usage   *llm.Usage `json:"usage,omitempty"`
}

// Reviewer runs the LLM second pass over a worker artifact.
type Reviewer struct {
	Transport llm.Transport
}

// Review asks the model to grade the artifact excerpt against the worker
// package's acceptance criteria. The response must contain a JSON object with
// pass, qualityScore, and defects; anything else is rejected rather than
// guessed at.
func (r *Reviewer) Review(ctx context.Context, modelID string, worker plan.WorkPackage, excerpt string) (*ReviewResult, error) {
	prompt := buildReviewPrompt(worker, excerpt)

	completion, err := r.Transport.Execute(ctx, modelID, prompt)
	if err != nil {
		return nil, fmt.Errorf("qa review call failed: %w", err)
	}

	verdict, err := ParseReviewVerdict(completion.Text)
	if err != nil {
		return nil, err
	}
	verdict.ModelID = modelID
	verdict.Usage = completion.Usage
	return verdict, nil
}

// ParseReviewVerdict extracts the first JSON object from the response text and
// validates the review contract.
func ParseReviewVerdict(text string) (*ReviewResult, error) {
	raw, ok := firstJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedReview)
	}

	var payload struct {
		Pass         *bool    `json:"pass"`
		QualityScore *float64 `json:"qualityScore"`
		Defects      []string `json:"defects"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReview, err)
	}
	if payload.Pass == nil || payload.QualityScore == nil {
		return nil, fmt.Errorf("%w: missing pass or qualityScore", ErrMalformedReview)
	}
	score := *payload.QualityScore
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: qualityScore %v out of range", ErrMalformedReview, score)
	}

	defects := payload.Defects
	if defects == nil {
		defects = []string{}
	}
	return &ReviewResult{Pass: *payload.Pass, QualityScore: score, Defects: defects}, nil
}

func buildReviewPrompt(worker plan.WorkPackage, excerpt string) string {
	var b strings.Builder
	b.WriteString("You are a strict quality reviewer. Evaluate the artifact below against the task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", worker.Name)
	if worker.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", worker.Description)
	}
	if len(worker.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range worker.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\nArtifact:\n")
	b.WriteString(excerpt)
	b.WriteString("\n\nRespond with a single JSON object: {\"pass\": bool, \"qualityScore\": number between 0 and 1, \"defects\": [string]}.")
	return b.String()
}

// firstJSONObject returns the first balanced {...} span in s, skipping braces
// inside string literals.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
