package qa

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AggregationRequiredKeys are the top-level keys the aggregation artifact
// must carry.
var AggregationRequiredKeys = []string{"fileTree", "files", "report"}

// BannedPhrases is a case-insensitive substring blacklist for structured
// outputs. A match means the model produced filler or a refusal instead of
// the deliverable.
var BannedPhrases = []string{
	"as an ai language model",
	"i cannot assist",
	"i'm unable to",
	"i am unable to",
	"lorem ipsum",
	"placeholder content",
}

// OutputValidator checks a worker artifact before it is accepted. A nil
// return means the output is valid; otherwise the defects describe every
// violation found.
type OutputValidator func(content string) []string

// ValidatorFor dispatches a validator by package id. Only the aggregation
// package has a structural contract today.
func ValidatorFor(packageID, aggregationPackageID string) OutputValidator {
	if aggregationPackageID != "" && packageID == aggregationPackageID {
		return ValidateAggregationOutput
	}
	return nil
}

// ValidateAggregationOutput enforces the aggregation package's strict JSON
// contract: no banned phrases, a parseable JSON object, and every required
// top-level key present.
func ValidateAggregationOutput(content string) []string {
	var defects []string

	lower := strings.ToLower(content)
	for _, phrase := range BannedPhrases {
		if strings.Contains(lower, phrase) {
			defects = append(defects, fmt.Sprintf("banned phrase present: %q", phrase))
		}
	}

	raw, ok := firstJSONObject(content)
	if !ok {
		defects = append(defects, "output is not a JSON object")
		return defects
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		defects = append(defects, fmt.Sprintf("output is not valid JSON: %v", err))
		return defects
	}

	for _, key := range AggregationRequiredKeys {
		if _, present := obj[key]; !present {
			defects = append(defects, fmt.Sprintf("missing required key: %s", key))
		}
	}
	return defects
}
