package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
)

// tierIndex is the ANN index for one tier. The records map is the
// authoritative copy; chromem answers similarity queries over it.
// Deletes tombstone only; the vector stays in chromem until a rebuild
// folds the tombstones out.
type tierIndex struct {
	tier     Tier
	embedder Embedder
	db       *chromem.DB
	col      *chromem.Collection

	records    map[string]Record
	tombstones int

	rebuildRatio float64
	rebuildMin   int

	mu sync.RWMutex
}

func newTierIndex(tier Tier, embedder Embedder, rebuildRatio float64, rebuildMin int) (*tierIndex, error) {
	db := chromem.NewDB()
	idx := &tierIndex{
		tier:         tier,
		embedder:     embedder,
		db:           db,
		records:      make(map[string]Record),
		rebuildRatio: rebuildRatio,
		rebuildMin:   rebuildMin,
	}

	col, err := db.CreateCollection(collectionName(tier), nil, idx.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("create %s collection: %w", tier, err)
	}
	idx.col = col
	return idx, nil
}

func collectionName(tier Tier) string {
	return "tier_" + string(tier)
}

func (idx *tierIndex) embeddingFunc() chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		return idx.embedder.Embed(text), nil
	}
}

func (idx *tierIndex) add(ctx context.Context, rec Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: idx.embedder.Embed(rec.Text),
		Metadata: map[string]string{
			"kind":        string(rec.Kind),
			"session_key": rec.SessionKey,
		},
	}
	if err := idx.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add %s document: %w", idx.tier, err)
	}
	idx.records[rec.ID] = rec
	return nil
}

// addRecordOnly inserts into the authoritative map without touching
// chromem. Keyword search sees the record immediately; similarity
// search picks it up at the next rebuild, which re-embeds every live
// record.
func (idx *tierIndex) addRecordOnly(rec Record) {
	idx.mu.Lock()
	idx.records[rec.ID] = rec
	idx.mu.Unlock()
}

// search returns live records scored above minScore, best first. When
// the index itself fails the caller decides whether to degrade.
func (idx *tierIndex) search(ctx context.Context, query string, k int, minScore float64) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := idx.col.Count()
	if total == 0 {
		return nil, nil
	}

	// Tombstoned vectors are still in chromem; over-fetch so filtering
	// them out still leaves k live hits.
	n := k + idx.tombstones
	if n > total {
		n = total
	}

	results, err := idx.col.QueryEmbedding(ctx, idx.embedder.Embed(query), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s index: %w", idx.tier, err)
	}

	out := make([]SearchResult, 0, k)
	for _, res := range results {
		rec, ok := idx.records[res.ID]
		if !ok || rec.Deleted {
			continue
		}
		score := float64(res.Similarity)
		if score < minScore {
			continue
		}
		out = append(out, SearchResult{Record: rec, Score: score})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// keywordSearch is the degraded path: token-overlap ranking over the
// live records, no vectors involved.
func (idx *tierIndex) keywordSearch(query string, k int) []SearchResult {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	queryTokens := map[string]struct{}{}
	for _, tok := range tokenize(query) {
		queryTokens[tok] = struct{}{}
	}
	if len(queryTokens) == 0 {
		return nil
	}

	var out []SearchResult
	for _, rec := range idx.records {
		if rec.Deleted {
			continue
		}
		matched := 0
		for _, tok := range tokenize(rec.Text) {
			if _, ok := queryTokens[tok]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		out = append(out, SearchResult{
			Record: rec,
			Score:  float64(matched) / float64(len(queryTokens)),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// delete tombstones a record. Reports whether the id was live.
func (idx *tierIndex) delete(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[id]
	if !ok || rec.Deleted {
		return false
	}
	rec.Deleted = true
	idx.records[id] = rec
	idx.tombstones++
	return true
}

func (idx *tierIndex) needsRebuild() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.tombstones < idx.rebuildMin {
		return false
	}
	total := len(idx.records)
	if total == 0 {
		return false
	}
	return float64(idx.tombstones)/float64(total) >= idx.rebuildRatio
}

// rebuild recreates the collection from live records and drops the
// tombstoned ones for good.
func (idx *tierIndex) rebuild(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	name := collectionName(idx.tier)
	if err := idx.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("drop %s collection: %w", idx.tier, err)
	}
	col, err := idx.db.CreateCollection(name, nil, idx.embeddingFunc())
	if err != nil {
		return fmt.Errorf("recreate %s collection: %w", idx.tier, err)
	}

	live := make(map[string]Record, len(idx.records))
	for id, rec := range idx.records {
		if rec.Deleted {
			continue
		}
		doc := chromem.Document{
			ID:        rec.ID,
			Content:   rec.Text,
			Embedding: idx.embedder.Embed(rec.Text),
			Metadata: map[string]string{
				"kind":        string(rec.Kind),
				"session_key": rec.SessionKey,
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("re-add %s document: %w", idx.tier, err)
		}
		live[id] = rec
	}

	dropped := len(idx.records) - len(live)
	idx.col = col
	idx.records = live
	idx.tombstones = 0

	logger.InfoCF("memory", "index rebuilt", map[string]interface{}{
		"tier":    string(idx.tier),
		"live":    len(live),
		"dropped": dropped,
	})
	return nil
}

// liveRecords returns live records for a session key ("" matches all),
// oldest first by ULID.
func (idx *tierIndex) liveRecords(sessionKey string) []Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Record
	for _, rec := range idx.records {
		if rec.Deleted {
			continue
		}
		if sessionKey != "" && rec.SessionKey != sessionKey {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out
}

func (idx *tierIndex) liveCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records) - idx.tombstones
}

func (idx *tierIndex) tombstoneCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tombstones
}
