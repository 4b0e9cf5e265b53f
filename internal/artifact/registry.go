package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"

	"github.com/google/uuid"
)

const (
	// MaxContentChars is the per-artifact content cap. Content beyond it is
	// truncated before hashing and storage.
	MaxContentChars = 200_000

	// MaxArtifacts is the registry-wide cap on live (non-evicted) artifacts.
	MaxArtifacts = 200

	// MaxTotalChars is the registry-wide cap on total stored content.
	MaxTotalChars = 10_000_000
)

// Artifact is a worker's stored output plus its content-addressing metadata.
// Metadata survives eviction; only Content is cleared.
type Artifact struct {
	ArtifactID    string `json:"artifact_id"`
	PackageID     string `json:"package_id"`
	ModelID       string `json:"model_id"`
	Content       string `json:"content"`
	Hash          string `json:"hash"`
	CreatedAtISO  string `json:"created_at_iso"`
	ContentLength int    `json:"content_length"`
	IsEvicted     bool   `json:"is_evicted"`
}

// Excerpt is a bounded head/tail view of an artifact's content.
type Excerpt struct {
	Head        string `json:"head"`
	Tail        string `json:"tail"`
	TotalLength int    `json:"total_length"`
	IsEvicted   bool   `json:"is_evicted"`
}

// ExcerptOptions bounds the head and tail slices of an excerpt.
type ExcerptOptions struct {
	HeadLimit int
	TailLimit int
}

// Registry is a per-run in-memory store of worker artifacts keyed by package
// id. It hashes content, enforces per-artifact and registry-wide size caps,
// and evicts oldest-first when caps are exceeded.
//
// Thread-safe; in practice only the scheduler's commit step writes to it.
type Registry struct {
	mu         sync.RWMutex
	ordered    []*Artifact            // insertion order, for eviction
	byPackage  map[string][]*Artifact // package id -> artifacts, oldest first
	liveCount  int
	totalChars int
}

// NewRegistry creates an empty artifact registry.
func NewRegistry() *Registry {
	return &Registry{
		byPackage: make(map[string][]*Artifact),
	}
}

// Create stores a new artifact for the given package, truncating content to
// the per-artifact cap before hashing. It returns the fresh artifact id and
// the sha-256 hex of the stored content. An eviction pass runs after every
// insertion.
func (r *Registry) Create(packageID, modelID, content, createdAtISO string) (artifactID, hash string) {
	if len(content) > MaxContentChars {
		content = content[:MaxContentChars]
	}
	sum := sha256.Sum256([]byte(content))

	a := &Artifact{
		ArtifactID:    uuid.NewString(),
		PackageID:     packageID,
		ModelID:       modelID,
		Content:       content,
		Hash:          hex.EncodeToString(sum[:]),
		CreatedAtISO:  createdAtISO,
		ContentLength: len(content),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ordered = append(r.ordered, a)
	r.byPackage[packageID] = append(r.byPackage[packageID], a)
	r.liveCount++
	r.totalChars += len(content)
	r.evictLocked()

	return a.ArtifactID, a.Hash
}

// GetByPackageID returns the most recently created artifact for the package,
// or nil when none exists. The returned value is a copy.
func (r *Registry) GetByPackageID(packageID string) *Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byPackage[packageID]
	if len(list) == 0 {
		return nil
	}
	cp := *list[len(list)-1]
	return &cp
}

// GetExcerptByPackageID returns bounded head/tail slices of the most recent
// artifact for the package. When the content fits within head+tail limits the
// whole content is returned in Head and Tail is empty. Returns nil when no
// artifact exists for the package.
func (r *Registry) GetExcerptByPackageID(packageID string, opts ExcerptOptions) *Excerpt {
	if opts.HeadLimit <= 0 {
		opts.HeadLimit = 8000
	}
	if opts.TailLimit <= 0 {
		opts.TailLimit = 2000
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byPackage[packageID]
	if len(list) == 0 {
		return nil
	}
	a := list[len(list)-1]

	ex := &Excerpt{
		TotalLength: a.ContentLength,
		IsEvicted:   a.IsEvicted,
	}
	if len(a.Content) <= opts.HeadLimit+opts.TailLimit {
		ex.Head = a.Content
		return ex
	}
	ex.Head = a.Content[:opts.HeadLimit]
	ex.Tail = a.Content[len(a.Content)-opts.TailLimit:]
	return ex
}

// Stats returns the live artifact count and total stored characters.
func (r *Registry) Stats() (count, totalChars int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveCount, r.totalChars
}

// evictLocked clears content of the oldest non-evicted artifacts until both
// registry caps hold. Metadata is retained. Caller holds r.mu.
func (r *Registry) evictLocked() {
	i := 0
	for r.liveCount > MaxArtifacts || r.totalChars > MaxTotalChars {
		for i < len(r.ordered) && r.ordered[i].IsEvicted {
			i++
		}
		if i >= len(r.ordered) {
			return
		}
		victim := r.ordered[i]
		r.totalChars -= len(victim.Content)
		r.liveCount--
		victim.Content = ""
		victim.IsEvicted = true
		log.Printf("[Artifacts] evicted artifact=%s package=%s len=%d", victim.ArtifactID, victim.PackageID, victim.ContentLength)
	}
}
