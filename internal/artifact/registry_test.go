package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Create ---

func TestCreate_HashMatchesStoredContent(t *testing.T) {
	r := NewRegistry()

	id, hash := r.Create("pkg-1", "model-a", "hello world", "2026-01-01T00:00:00Z")
	require.NotEmpty(t, id)

	sum := sha256.Sum256([]byte("hello world"))
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	a := r.GetByPackageID("pkg-1")
	require.NotNil(t, a)
	assert.Equal(t, "hello world", a.Content)
	assert.Equal(t, hash, a.Hash)
	assert.Equal(t, "model-a", a.ModelID)
	assert.False(t, a.IsEvicted)
}

func TestCreate_TruncatesBeforeHashing(t *testing.T) {
	r := NewRegistry()

	content := strings.Repeat("x", MaxContentChars+500)
	_, hash := r.Create("pkg-1", "model-a", content, "2026-01-01T00:00:00Z")

	truncated := content[:MaxContentChars]
	sum := sha256.Sum256([]byte(truncated))
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	a := r.GetByPackageID("pkg-1")
	require.NotNil(t, a)
	assert.Equal(t, MaxContentChars, a.ContentLength)
}

func TestCreate_LatestWinsPerPackage(t *testing.T) {
	r := NewRegistry()

	r.Create("pkg-1", "model-a", "first", "2026-01-01T00:00:00Z")
	r.Create("pkg-1", "model-b", "second", "2026-01-01T00:01:00Z")

	a := r.GetByPackageID("pkg-1")
	require.NotNil(t, a)
	assert.Equal(t, "second", a.Content)
	assert.Equal(t, "model-b", a.ModelID)
}

func TestGetByPackageID_Missing(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.GetByPackageID("nope"))
}

// --- Excerpts ---

func TestGetExcerpt_WholeContentFits(t *testing.T) {
	r := NewRegistry()
	r.Create("pkg-1", "m", "short content", "2026-01-01T00:00:00Z")

	ex := r.GetExcerptByPackageID("pkg-1", ExcerptOptions{HeadLimit: 100, TailLimit: 50})
	require.NotNil(t, ex)
	assert.Equal(t, "short content", ex.Head)
	assert.Empty(t, ex.Tail)
	assert.Equal(t, len("short content"), ex.TotalLength)
}

func TestGetExcerpt_HeadAndTail(t *testing.T) {
	r := NewRegistry()
	content := strings.Repeat("a", 100) + strings.Repeat("b", 100)
	r.Create("pkg-1", "m", content, "2026-01-01T00:00:00Z")

	ex := r.GetExcerptByPackageID("pkg-1", ExcerptOptions{HeadLimit: 10, TailLimit: 5})
	require.NotNil(t, ex)
	assert.Equal(t, strings.Repeat("a", 10), ex.Head)
	assert.Equal(t, strings.Repeat("b", 5), ex.Tail)
	assert.Equal(t, 200, ex.TotalLength)
}

func TestGetExcerpt_DefaultLimits(t *testing.T) {
	r := NewRegistry()
	content := strings.Repeat("x", 20_000)
	r.Create("pkg-1", "m", content, "2026-01-01T00:00:00Z")

	ex := r.GetExcerptByPackageID("pkg-1", ExcerptOptions{})
	require.NotNil(t, ex)
	assert.Len(t, ex.Head, 8000)
	assert.Len(t, ex.Tail, 2000)
}

// --- Eviction ---

func TestEviction_CountCap(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < MaxArtifacts+5; i++ {
		r.Create(pkgID(i), "m", "content", "2026-01-01T00:00:00Z")
	}

	count, _ := r.Stats()
	assert.Equal(t, MaxArtifacts, count)

	// Oldest entries are evicted but keep their metadata.
	a := r.GetByPackageID(pkgID(0))
	require.NotNil(t, a)
	assert.True(t, a.IsEvicted)
	assert.Empty(t, a.Content)
	assert.Equal(t, len("content"), a.ContentLength)
	assert.NotEmpty(t, a.Hash)

	// Newest entries survive intact.
	b := r.GetByPackageID(pkgID(MaxArtifacts + 4))
	require.NotNil(t, b)
	assert.False(t, b.IsEvicted)
	assert.Equal(t, "content", b.Content)
}

func TestEviction_TotalCharsCap(t *testing.T) {
	r := NewRegistry()

	big := strings.Repeat("z", MaxContentChars)
	// 51 entries at 200k chars each exceeds the 10M total cap.
	for i := 0; i < 51; i++ {
		r.Create(pkgID(i), "m", big, "2026-01-01T00:00:00Z")
	}

	_, totalChars := r.Stats()
	assert.LessOrEqual(t, totalChars, MaxTotalChars)

	a := r.GetByPackageID(pkgID(0))
	require.NotNil(t, a)
	assert.True(t, a.IsEvicted)

	ex := r.GetExcerptByPackageID(pkgID(0), ExcerptOptions{})
	require.NotNil(t, ex)
	assert.True(t, ex.IsEvicted)
	assert.Empty(t, ex.Head)
}

func pkgID(i int) string {
	return "pkg-" + string(rune('A'+i/26)) + string(rune('a'+i%26))
}
