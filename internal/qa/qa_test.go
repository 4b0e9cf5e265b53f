package qa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/artifact"
	"foreman/internal/llm"
	"foreman/internal/plan"
)

// --- Shell Runner ---

func stubRunner(fn execFunc) *ShellRunner {
	r := NewShellRunner("")
	r.run = fn
	return r
}

func TestShellRunner_AllowlistBlocksUnknownCommands(t *testing.T) {
	r := stubRunner(func(ctx context.Context, command string) (string, string, int, error) {
		t.Fatalf("command should never execute: %s", command)
		return "", "", 0, nil
	})

	res := r.RunChecks(context.Background(), []plan.QACheck{
		{Type: "shell", Command: "rm -rf /"},
	})

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "failed", res.Outcomes[0].Status)
	assert.Equal(t, 1, res.Outcomes[0].ExitCode)
	assert.Contains(t, res.Outcomes[0].Stderr, "Command not allowed")
	assert.False(t, res.Pass)
	assert.InDelta(t, 0.3, res.QualityScore, 1e-9)
}

func TestShellRunner_AllowedMatchesArgumentPrefixes(t *testing.T) {
	r := NewShellRunner("")

	assert.True(t, r.Allowed("npm test"))
	assert.True(t, r.Allowed("npm run lint"))
	assert.True(t, r.Allowed("npm run lint -- --fix"))
	assert.False(t, r.Allowed("npm install left-pad"))
	assert.False(t, r.Allowed("curl http://example.com"))
	assert.False(t, r.Allowed(""))
}

func TestShellRunner_ScoreLadder(t *testing.T) {
	ok := func(ctx context.Context, command string) (string, string, int, error) {
		return "ok", "", 0, nil
	}

	t.Run("all passed", func(t *testing.T) {
		res := stubRunner(ok).RunChecks(context.Background(), []plan.QACheck{
			{Type: "shell", Command: "npm test"},
			{Type: "shell", Command: "npm run lint"},
		})
		assert.True(t, res.Pass)
		assert.InDelta(t, 1.0, res.QualityScore, 1e-9)
	})

	t.Run("passed with skips", func(t *testing.T) {
		res := stubRunner(ok).RunChecks(context.Background(), []plan.QACheck{
			{Type: "shell", Command: "npm test"},
			{Type: "manual", Command: "review the diff"},
		})
		assert.True(t, res.Pass)
		assert.InDelta(t, 0.85, res.QualityScore, 1e-9)
		assert.Equal(t, 1, res.Skipped)
	})

	t.Run("nothing ran", func(t *testing.T) {
		res := stubRunner(ok).RunChecks(context.Background(), []plan.QACheck{
			{Type: "manual", Command: "review the diff"},
		})
		assert.True(t, res.Pass)
		assert.InDelta(t, 0.7, res.QualityScore, 1e-9)
	})

	t.Run("any failure", func(t *testing.T) {
		res := stubRunner(func(ctx context.Context, command string) (string, string, int, error) {
			return "", "lint errors", 1, nil
		}).RunChecks(context.Background(), []plan.QACheck{
			{Type: "shell", Command: "npm run lint"},
			{Type: "manual", Command: "review"},
		})
		assert.False(t, res.Pass)
		assert.InDelta(t, 0.3, res.QualityScore, 1e-9)
	})
}

func TestShellRunner_MissingScriptCountsAsSkipped(t *testing.T) {
	r := stubRunner(func(ctx context.Context, command string) (string, string, int, error) {
		return "", "npm ERR! Missing script: \"lint\"", 1, nil
	})

	res := r.RunChecks(context.Background(), []plan.QACheck{
		{Type: "shell", Command: "npm run lint"},
	})

	assert.True(t, res.Pass)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.InDelta(t, 0.7, res.QualityScore, 1e-9)
}

func TestShellRunner_TimeoutMarksFailureWithMarker(t *testing.T) {
	r := stubRunner(func(ctx context.Context, command string) (string, string, int, error) {
		<-ctx.Done()
		return "partial output", "", -1, ctx.Err()
	})
	r.Timeout = 10 * time.Millisecond

	res := r.RunChecks(context.Background(), []plan.QACheck{
		{Type: "shell", Command: "npm test"},
	})

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "failed", res.Outcomes[0].Status)
	assert.Equal(t, "[timeout]", res.Outcomes[0].Stderr)
}

func TestShellRunner_OutputTailIsBounded(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	r := stubRunner(func(ctx context.Context, command string) (string, string, int, error) {
		return string(long), string(long), 1, nil
	})

	res := r.RunChecks(context.Background(), []plan.QACheck{
		{Type: "shell", Command: "npm test"},
	})

	assert.Len(t, res.Outcomes[0].Stdout, 2000)
	assert.Len(t, res.Outcomes[0].Stderr, 2000)
}

// --- Review Verdict Parsing ---

func TestParseReviewVerdict_ExtractsEmbeddedJSON(t *testing.T) {
	text := "Here is my assessment.\n{\"pass\": true, \"qualityScore\": 0.92, \"defects\": []}\nThanks."

	v, err := ParseReviewVerdict(text)
	require.NoError(t, err)
	assert.True(t, v.Pass)
	assert.InDelta(t, 0.92, v.QualityScore, 1e-9)
	assert.Empty(t, v.Defects)
}

func TestParseReviewVerdict_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"no json", "looks good to me"},
		{"missing fields", `{"qualityScore": 0.8}`},
		{"score out of range", `{"pass": true, "qualityScore": 1.4, "defects": []}`},
		{"unbalanced", `{"pass": true, "qualityScore": 0.8`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseReviewVerdict(tc.text)
			assert.ErrorIs(t, err, ErrMalformedReview)
		})
	}
}

func TestParseReviewVerdict_BracesInsideStrings(t *testing.T) {
	text := `{"pass": false, "qualityScore": 0.4, "defects": ["unbalanced { in output"]}`

	v, err := ParseReviewVerdict(text)
	require.NoError(t, err)
	assert.False(t, v.Pass)
	require.Len(t, v.Defects, 1)
}

// --- Runner Flow ---

func excerptOf(content string) *artifact.Excerpt {
	return &artifact.Excerpt{Head: content, TotalLength: len(content)}
}

func qaRunner(transport llm.Transport) *Runner {
	return &Runner{
		Shell:    NewShellRunner(""),
		Reviewer: &Reviewer{Transport: transport},
	}
}

func TestRunner_NoChecksNoTriggersDefaultsToPass(t *testing.T) {
	mock := llm.NewMockTransport()
	r := qaRunner(mock)

	res := r.Run(context.Background(), Input{
		QAPackage:          plan.WorkPackage{ID: "qa-1", Role: plan.RoleQA},
		Worker:             plan.WorkPackage{ID: "w-1", Role: plan.RoleWorker, Importance: 2},
		Excerpt:            excerptOf("hello"),
		ModelID:            "reviewer-model",
		RemainingBudgetUSD: 1,
	})

	assert.True(t, res.Pass)
	assert.InDelta(t, 0.9, res.QualityScore, 1e-9)
	assert.Equal(t, "deterministic", res.ModelID)
	assert.Equal(t, SkipReasonPolicyPass, res.LLMSkippedReason)
	assert.Zero(t, mock.CallCount("reviewer-model"))
}

func TestRunner_ImportanceTriggersLLMAndScoreIsAuthoritative(t *testing.T) {
	mock := llm.NewMockTransport()
	mock.Script("reviewer-model", llm.MockResponse{
		Text:  `{"pass": true, "qualityScore": 0.95, "defects": []}`,
		Usage: &llm.Usage{InputTokens: 200, OutputTokens: 30, TotalTokens: 230},
	})
	r := qaRunner(mock)

	res := r.Run(context.Background(), Input{
		QAPackage:          plan.WorkPackage{ID: "qa-1", Role: plan.RoleQA},
		Worker:             plan.WorkPackage{ID: "w-1", Role: plan.RoleWorker, Importance: 5},
		Excerpt:            excerptOf("artifact body"),
		ModelID:            "reviewer-model",
		RemainingBudgetUSD: 1,
	})

	assert.True(t, res.Pass)
	assert.InDelta(t, 0.95, res.QualityScore, 1e-9)
	assert.Equal(t, "reviewer-model", res.ModelID)
	require.NotNil(t, res.LLM)
	assert.Equal(t, 1, mock.CallCount("reviewer-model"))
}

func TestRunner_MalformedLLMKeepsDeterministicResult(t *testing.T) {
	mock := llm.NewMockTransport()
	mock.Script("reviewer-model", llm.MockResponse{Text: "I refuse to answer in JSON"})
	r := qaRunner(mock)

	res := r.Run(context.Background(), Input{
		QAPackage:          plan.WorkPackage{ID: "qa-1", Role: plan.RoleQA},
		Worker:             plan.WorkPackage{ID: "w-1", Role: plan.RoleWorker, Importance: 5},
		Excerpt:            excerptOf("artifact body"),
		ModelID:            "reviewer-model",
		RemainingBudgetUSD: 1,
	})

	assert.True(t, res.Pass)
	assert.InDelta(t, 0.9, res.QualityScore, 1e-9)
	assert.Equal(t, "deterministic", res.ModelID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "llm qa rejected")
}

func TestRunner_BudgetGateSkipsLLM(t *testing.T) {
	mock := llm.NewMockTransport()
	r := qaRunner(mock)

	res := r.Run(context.Background(), Input{
		QAPackage:           plan.WorkPackage{ID: "qa-1", Role: plan.RoleQA},
		Worker:              plan.WorkPackage{ID: "w-1", Role: plan.RoleWorker, Importance: 5},
		Excerpt:             excerptOf("artifact body"),
		ModelID:             "reviewer-model",
		PredictedLLMCostUSD: 0.01,
		RemainingBudgetUSD:  0.001,
	})

	assert.Equal(t, SkipReasonBudgetGated, res.LLMSkippedReason)
	assert.Zero(t, mock.CallCount("reviewer-model"))
}

func TestRunner_MissingArtifactFails(t *testing.T) {
	r := qaRunner(llm.NewMockTransport())

	res := r.Run(context.Background(), Input{
		QAPackage: plan.WorkPackage{ID: "qa-1", Role: plan.RoleQA},
		Worker:    plan.WorkPackage{ID: "w-1", Role: plan.RoleWorker},
	})

	assert.False(t, res.Pass)
	assert.InDelta(t, 0.3, res.QualityScore, 1e-9)
	require.Len(t, res.Defects, 1)
}

// --- Aggregation Validator ---

func TestValidateAggregationOutput(t *testing.T) {
	valid := `{"fileTree": [], "files": {}, "report": {"summary": "ok", "aggregations": {}}}`
	assert.Empty(t, ValidateAggregationOutput(valid))

	t.Run("banned phrase", func(t *testing.T) {
		defects := ValidateAggregationOutput(`As an AI language model, I produced: ` + valid)
		require.NotEmpty(t, defects)
		assert.Contains(t, defects[0], "banned phrase")
	})

	t.Run("not json", func(t *testing.T) {
		defects := ValidateAggregationOutput("plain text output")
		require.Len(t, defects, 1)
		assert.Contains(t, defects[0], "not a JSON object")
	})

	t.Run("missing required key", func(t *testing.T) {
		defects := ValidateAggregationOutput(`{"fileTree": [], "files": {}}`)
		require.Len(t, defects, 1)
		assert.Contains(t, defects[0], "missing required key: report")
	})
}

func TestValidatorFor_DispatchesByPackageID(t *testing.T) {
	assert.NotNil(t, ValidatorFor("aggregation-report", "aggregation-report"))
	assert.Nil(t, ValidatorFor("worker-1", "aggregation-report"))
	assert.Nil(t, ValidatorFor("worker-1", ""))
}
