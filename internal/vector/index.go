package vector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"papersynth/internal/models"
	"papersynth/internal/providers"
	"papersynth/internal/util"

	"github.com/m-mizutani/goerr/v2"
)

// ErrNoSnapshot means no index has been saved yet.
var ErrNoSnapshot = fmt.Errorf("%w: no index snapshot", util.ErrConfiguration)

// Entry is one indexed chunk. The chunk carries its embedding and a copy of the
// document metadata used for filtering.
type Entry struct {
	Chunk models.Chunk `json:"chunk"`
	norm  float64
}

// Snapshot is the persisted form of an index.
type Snapshot struct {
	Model     providers.ModelInfo `json:"model"`
	Dimension int                 `json:"dimension"`
	Entries   []Entry             `json:"entries"`
	SavedAt   time.Time           `json:"saved_at"`
}

// DocumentInfo lists an indexed document in first-insertion order.
type DocumentInfo struct {
	DocumentID string          `json:"document_id"`
	Metadata   models.Metadata `json:"metadata"`
	Chunks     int             `json:"chunks"`
}

// Index is an in-memory cosine-similarity index bound to one embedding model.
// Search takes the read lock; Add, Rebuild and Restore take the write lock.
type Index struct {
	mu      sync.RWMutex
	model   providers.ModelInfo
	dim     int
	entries []Entry
	byID    map[string]int
}

func New(model providers.ModelInfo) *Index {
	return &Index{model: model, dim: model.Dimension, byID: map[string]int{}}
}

func (ix *Index) Model() providers.ModelInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.model
}

func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Add appends chunks with their embeddings. Either every chunk is added or none
// is. A chunk id already present keeps its position and gets the new vector.
func (ix *Index) Add(chunks []models.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return goerr.Wrap(util.ErrEmbedding, "chunk and embedding counts differ",
			goerr.V("chunks", len(chunks)), goerr.V("embeddings", len(embeddings)))
	}
	if len(chunks) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	dim := ix.dim
	if dim == 0 {
		dim = len(embeddings[0])
	}
	for i, e := range embeddings {
		if len(e) != dim || dim == 0 {
			return goerr.Wrap(util.ErrEmbedding, "embedding dimension mismatch",
				goerr.V("chunk_id", chunks[i].ID), goerr.V("want", dim), goerr.V("got", len(e)))
		}
	}

	ix.dim = dim
	for i, c := range chunks {
		c.Embedding = append([]float32(nil), embeddings[i]...)
		entry := Entry{Chunk: c, norm: norm(c.Embedding)}
		if pos, ok := ix.byID[c.ID]; ok {
			ix.entries[pos] = entry
			continue
		}
		ix.byID[c.ID] = len(ix.entries)
		ix.entries = append(ix.entries, entry)
	}
	return nil
}

// Search returns up to k chunks matching filter, best cosine score first. Equal
// scores keep insertion order.
func (ix *Index) Search(query []float32, k int, filter models.Filter) (models.RetrievalResult, error) {
	return ix.search(query, k, func(c models.Chunk) bool { return filter.Matches(c.Metadata) })
}

// SearchDocument is Search restricted to the chunks of one document.
func (ix *Index) SearchDocument(query []float32, k int, documentID string) (models.RetrievalResult, error) {
	return ix.search(query, k, func(c models.Chunk) bool { return c.DocumentID == documentID })
}

func (ix *Index) search(query []float32, k int, match func(models.Chunk) bool) (models.RetrievalResult, error) {
	if k < 1 {
		return models.RetrievalResult{}, goerr.Wrap(util.ErrConfiguration, "k must be at least 1", goerr.V("k", k))
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return models.RetrievalResult{Hits: []models.Hit{}}, nil
	}
	if len(query) != ix.dim {
		return models.RetrievalResult{}, goerr.Wrap(util.ErrEmbedding, "query dimension mismatch",
			goerr.V("want", ix.dim), goerr.V("got", len(query)))
	}

	qn := norm(query)
	hits := make([]models.Hit, 0, len(ix.entries))
	for _, e := range ix.entries {
		if !match(e.Chunk) {
			continue
		}
		hits = append(hits, models.Hit{Chunk: e.Chunk, Score: cosine(query, qn, e.Chunk.Embedding, e.norm)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return models.RetrievalResult{Hits: hits}, nil
}

// Documents lists indexed documents in the order their first chunk was added.
func (ix *Index) Documents() []DocumentInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	pos := map[string]int{}
	out := make([]DocumentInfo, 0)
	for _, e := range ix.entries {
		i, ok := pos[e.Chunk.DocumentID]
		if !ok {
			i = len(out)
			pos[e.Chunk.DocumentID] = i
			out = append(out, DocumentInfo{DocumentID: e.Chunk.DocumentID, Metadata: e.Chunk.Metadata})
		}
		out[i].Chunks++
	}
	return out
}

// Chunks returns the indexed chunks of a document ordered by position.
func (ix *Index) Chunks(documentID string) []models.Chunk {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]models.Chunk, 0)
	for _, e := range ix.entries {
		if e.Chunk.DocumentID == documentID {
			out = append(out, e.Chunk)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Rebuild drops every entry and binds the index to model. It is the only way to
// change the embedding model or dimension.
func (ix *Index) Rebuild(model providers.ModelInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.model = model
	ix.dim = model.Dimension
	ix.entries = nil
	ix.byID = map[string]int{}
}

func (ix *Index) Snapshot() Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entries := make([]Entry, len(ix.entries))
	copy(entries, ix.entries)
	return Snapshot{Model: ix.model, Dimension: ix.dim, Entries: entries, SavedAt: time.Now().UTC()}
}

// Restore replaces the index contents with s. A snapshot built with a model other
// than expected is a configuration error and leaves the index untouched.
func (ix *Index) Restore(s Snapshot, expected providers.ModelInfo) error {
	if s.Model != expected {
		return goerr.Wrap(util.ErrConfiguration, "index was built with a different embedding model",
			goerr.V("snapshot_model", s.Model.String()), goerr.V("expected_model", expected.String()))
	}
	entries := make([]Entry, 0, len(s.Entries))
	byID := make(map[string]int, len(s.Entries))
	for _, e := range s.Entries {
		if len(e.Chunk.Embedding) != s.Dimension {
			return goerr.Wrap(util.ErrEmbedding, "snapshot entry dimension mismatch",
				goerr.V("chunk_id", e.Chunk.ID), goerr.V("want", s.Dimension), goerr.V("got", len(e.Chunk.Embedding)))
		}
		e.norm = norm(e.Chunk.Embedding)
		byID[e.Chunk.ID] = len(entries)
		entries = append(entries, e)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.model = s.Model
	ix.dim = s.Dimension
	ix.entries = entries
	ix.byID = byID
	return nil
}

func (ix *Index) SaveFile(path string) error {
	return util.WriteJSONAtomic(path, ix.Snapshot())
}

func (ix *Index) LoadFile(path string, expected providers.ModelInfo) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoSnapshot, path)
	}
	if err != nil {
		return fmt.Errorf("read index snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decode index snapshot: %w", err)
	}
	return ix.Restore(s, expected)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
