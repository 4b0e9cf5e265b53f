package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"foreman/internal/plan"
)

// Status is the governance state of a catalog entry.
type Status string

const (
	StatusActive    Status = "active"
	StatusProbation Status = "probation"
	StatusDisabled  Status = "disabled"
)

// Exclusion reason codes surfaced in decision audits for filtered-out
// entries.
const (
	ReasonDisabled           = "status_disabled"
	ReasonTierNotAllowed     = "tier_not_allowed"
	ReasonBudget             = "budget"
	ReasonMissingCredentials = "missing_credentials"
	ReasonProbationShadowed  = "probation_shadowed"
)

// ErrCatalogEmpty indicates the catalog holds no entries at all; callers
// fall back to the static model list.
var ErrCatalogEmpty = errors.New("model catalog is empty")

// Identity names a model and its governance status.
type Identity struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
	Status   Status `json:"status"`
}

// Pricing holds per-1k-token costs.
type Pricing struct {
	InPer1k  float64 `json:"in_per_1k"`
	OutPer1k float64 `json:"out_per_1k"`
	Currency string  `json:"currency"`
}

// Governance holds the per-model thresholds that drive status transitions.
// Zero values fall back to the global floors.
type Governance struct {
	MinQualityPrior      float64 `json:"min_quality_prior,omitempty"`
	MaxCostVarianceRatio float64 `json:"max_cost_variance_ratio,omitempty"`
	MaxRecentEscalations int     `json:"max_recent_escalations,omitempty"`
	DisableAutoDisable   bool    `json:"disable_auto_disable,omitempty"`
}

// Entry is the canonical registry record for one model.
type Entry struct {
	ID           string             `json:"id"`
	Identity     Identity           `json:"identity"`
	Pricing      Pricing            `json:"pricing"`
	Expertise    map[string]float64 `json:"expertise,omitempty"` // task type -> [0..1]
	Reliability  float64            `json:"reliability"`
	AllowedTiers []plan.TierProfile `json:"allowed_tiers"`
	Governance   *Governance        `json:"governance,omitempty"`
	CreatedAtISO string             `json:"created_at_iso,omitempty"`
	UpdatedAtISO string             `json:"updated_at_iso,omitempty"`
}

// ExpertiseFor returns the entry's expertise for a task type, defaulting to
// a neutral 0.5 for unlisted types.
func (e *Entry) ExpertiseFor(taskType string) float64 {
	if v, ok := e.Expertise[taskType]; ok {
		return v
	}
	return 0.5
}

// AllowsTier reports whether the entry may serve the given tier profile.
func (e *Entry) AllowsTier(tier plan.TierProfile) bool {
	for _, t := range e.AllowedTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Excluded describes an entry removed by the eligibility filter, surfaced in
// routing audits. Excluded entries are never selectable.
type Excluded struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
}

// EligibilityFilter narrows the candidate pool for one routing decision.
type EligibilityFilter struct {
	TierProfile        plan.TierProfile
	TaskType           string
	Difficulty         plan.Difficulty
	BudgetRemainingUSD float64
	Importance         int
}

// CredentialChecker reports whether the tenant has credentials for a
// provider. A nil checker admits every provider.
type CredentialChecker func(provider string) bool

// EnvCredentialChecker checks for <PROVIDER>_API_KEY in the environment,
// uppercased, which is how tenant credentials are provisioned.
func EnvCredentialChecker(provider string) bool {
	key := ""
	for _, r := range provider {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		key += string(r)
	}
	return os.Getenv(key+"_API_KEY") != ""
}

// minimalCallTokens is the smallest reasonable request used when checking
// whether a model fits the remaining budget at all.
var minimalCallTokens = struct{ in, out int }{1000, 500}

// Catalog is the canonical registry of models. Thread-safe.
type Catalog struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	credentials CredentialChecker
}

// New creates an empty catalog using the environment credential checker.
func New() *Catalog {
	return &Catalog{
		entries:     make(map[string]*Entry),
		credentials: EnvCredentialChecker,
	}
}

// NewWithChecker creates a catalog with a custom credential checker. A nil
// checker admits every provider.
func NewWithChecker(check CredentialChecker) *Catalog {
	c := New()
	c.credentials = check
	return c
}

// Upsert inserts or replaces an entry keyed by its id.
func (c *Catalog) Upsert(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := e
	c.entries[e.ID] = &cp
}

// Get returns a copy of the entry, or false when absent.
func (c *Catalog) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		return *e, true
	}
	return Entry{}, false
}

// SetStatus updates an entry's governance status.
func (c *Catalog) SetStatus(id string, status Status, atISO string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("model %q not in catalog", id)
	}
	e.Identity.Status = status
	e.UpdatedAtISO = atISO
	return nil
}

// All returns every entry sorted by id.
func (c *Catalog) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ListEligible filters entries for one routing decision. Probation entries
// are admitted only when no active entry survives the other filters for the
// tier. The second return value carries the excluded entries with reason
// codes for the decision audit.
func (c *Catalog) ListEligible(f EligibilityFilter) ([]Entry, []Excluded, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 {
		return nil, nil, ErrCatalogEmpty
	}

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var active, probation []Entry
	var excluded []Excluded
	for _, id := range ids {
		e := c.entries[id]
		switch {
		case e.Identity.Status == StatusDisabled:
			excluded = append(excluded, Excluded{ModelID: id, Reason: ReasonDisabled})
		case !e.AllowsTier(f.TierProfile):
			excluded = append(excluded, Excluded{ModelID: id, Reason: ReasonTierNotAllowed})
		case f.BudgetRemainingUSD > 0 && minimalCallCost(e.Pricing) > f.BudgetRemainingUSD:
			excluded = append(excluded, Excluded{ModelID: id, Reason: ReasonBudget})
		case c.credentials != nil && !c.credentials(e.Identity.Provider):
			excluded = append(excluded, Excluded{ModelID: id, Reason: ReasonMissingCredentials})
		case e.Identity.Status == StatusProbation:
			probation = append(probation, *e)
		default:
			active = append(active, *e)
		}
	}

	if len(active) > 0 {
		for _, e := range probation {
			excluded = append(excluded, Excluded{ModelID: e.ID, Reason: ReasonProbationShadowed})
		}
		return active, excluded, nil
	}
	return probation, excluded, nil
}

func minimalCallCost(p Pricing) float64 {
	return float64(minimalCallTokens.in)/1000*p.InPer1k + float64(minimalCallTokens.out)/1000*p.OutPer1k
}

// Load reads models.json from dataDir, replacing current entries.
func (c *Catalog) Load(dataDir string) error {
	raw, err := os.ReadFile(filepath.Join(dataDir, "models.json"))
	if err != nil {
		return fmt.Errorf("read models.json: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse models.json: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry, len(entries))
	for i := range entries {
		c.entries[entries[i].ID] = &entries[i]
	}
	return nil
}

// Save writes the catalog to models.json under dataDir.
func (c *Catalog) Save(dataDir string) error {
	entries := c.All()
	blob, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dataDir, err)
	}
	return os.WriteFile(filepath.Join(dataDir, "models.json"), blob, 0o644)
}
