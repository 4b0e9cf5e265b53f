package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"foreman/internal/artifact"
	"foreman/internal/plan"
)

// Prompt assembly bounds.
const (
	maxInputValueChars  = 2000
	maxDepExcerptChars  = 6000
	maxTotalDepChars    = 18000
	depExcerptHeadChars = 4500
	depExcerptTailChars = 1500
)

// CanonicalMissingDepsOutput is the synthetic aggregation artifact emitted
// when dependency artifacts are missing. Byte-stable so runs stay
// reproducible.
const CanonicalMissingDepsOutput = `{"fileTree":[],"files":{},"report":{"summary":"Dependency artifacts missing","aggregations":{}}}`

// aggregationPreamble pins the aggregation package to a strict JSON output
// contract.
const aggregationPreamble = `You must respond with a single valid JSON object and nothing else.
The object must contain exactly these top-level keys: "fileTree" (array), "files" (object), "report" (object with "summary" and "aggregations").
Do not wrap the JSON in markdown fences or add commentary.`

// BuildWorkerPrompt assembles the LLM directive for a worker package: task
// name, description, acceptance criteria, bounded inputs, and dependency
// artifact excerpts. Dependency ids are visited in sorted order so the
// directive is deterministic.
func BuildWorkerPrompt(p plan.WorkPackage, registry *artifact.Registry, isAggregation bool) string {
	var b strings.Builder

	if isAggregation {
		b.WriteString(aggregationPreamble)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Task: %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	if len(p.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range p.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if p.OutputsSchema != "" {
		fmt.Fprintf(&b, "Output schema: %s\n", p.OutputsSchema)
	}

	if len(p.Inputs) > 0 {
		keys := make([]string, 0, len(p.Inputs))
		for k := range p.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nInputs:\n")
		for _, k := range keys {
			v := p.Inputs[k]
			if len(v) > maxInputValueChars {
				v = v[:maxInputValueChars]
			}
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}

	deps := append([]string(nil), p.Dependencies...)
	sort.Strings(deps)
	total := 0
	for _, dep := range deps {
		if total >= maxTotalDepChars {
			break
		}
		ex := registry.GetExcerptByPackageID(dep, artifact.ExcerptOptions{
			HeadLimit: depExcerptHeadChars,
			TailLimit: depExcerptTailChars,
		})
		if ex == nil {
			continue
		}
		text := ex.Head
		if ex.Tail != "" {
			text += "\n...\n" + ex.Tail
		}
		if len(text) > maxDepExcerptChars {
			text = text[:maxDepExcerptChars]
		}
		if remaining := maxTotalDepChars - total; len(text) > remaining {
			text = text[:remaining]
		}
		total += len(text)
		fmt.Fprintf(&b, "\nArtifact from %s:\n%s\n", dep, text)
	}

	b.WriteString("\nProduce the deliverable now.")
	return b.String()
}

// MissingDependencies returns dependency ids whose artifacts are absent or
// empty, sorted. An aggregation package short-circuits on any hit.
func MissingDependencies(p plan.WorkPackage, registry *artifact.Registry) []string {
	var missing []string
	for _, dep := range p.Dependencies {
		a := registry.GetByPackageID(dep)
		if a == nil || strings.TrimSpace(a.Content) == "" {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	return missing
}

var selfConfidencePattern = regexp.MustCompile(`\{\s*"selfConfidence"\s*:\s*(0(?:\.\d+)?|1(?:\.0+)?)\s*\}\s*$`)

// ExtractSelfConfidence pulls the optional trailing {"selfConfidence": x}
// line out of an LLM output. Returns the output with the line stripped and
// the extracted value, or nil when absent.
func ExtractSelfConfidence(output string) (string, *float64) {
	m := selfConfidencePattern.FindStringSubmatchIndex(output)
	if m == nil {
		return output, nil
	}
	var v float64
	if _, err := fmt.Sscanf(output[m[2]:m[3]], "%f", &v); err != nil {
		return output, nil
	}
	stripped := strings.TrimRight(output[:m[0]], "\n ")
	return stripped, &v
}
