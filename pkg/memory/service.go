// Toolkit Assistant - embedded conversational assistant core
// License: MIT
//
// Copyright (c) 2026 UE Toolkits contributors

package memory

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
)

// Options configures a Service instance.
type Options struct {
	// Dir is where the user tier persists. Empty keeps everything
	// in memory (tests, ephemeral sessions).
	Dir                   string
	EmbeddingModel        string
	RecallItems           int
	MinScore              float64
	CompressAfterTurns    int
	CompressKeepTurns     int
	TombstoneRebuildRatio float64
	TombstoneRebuildMin   int
	// Summarize produces the compression summary. Nil disables
	// session compression.
	Summarize SummaryFunc
}

func (o *Options) applyDefaults() {
	if o.RecallItems <= 0 {
		o.RecallItems = 6
	}
	if o.MinScore <= 0 {
		o.MinScore = 0.32
	}
	if o.CompressAfterTurns <= 0 {
		o.CompressAfterTurns = 15
	}
	if o.CompressKeepTurns <= 0 {
		o.CompressKeepTurns = 6
	}
	if o.TombstoneRebuildRatio <= 0 || o.TombstoneRebuildRatio >= 1 {
		o.TombstoneRebuildRatio = 0.25
	}
	if o.TombstoneRebuildMin <= 0 {
		o.TombstoneRebuildMin = 8
	}
}

// Service owns the three memory tiers. The user tier survives restarts
// through the durable store; session and context tiers live and die
// with the process.
type Service struct {
	opts     Options
	embedder Embedder

	user    *tierIndex
	session *tierIndex
	context *tierIndex

	durable *durableStore

	userDegraded   atomic.Bool
	compactPending atomic.Bool
}

func NewService(opts Options) (*Service, error) {
	opts.applyDefaults()
	embedder := NewEmbedder(opts.EmbeddingModel)

	svc := &Service{opts: opts, embedder: embedder}

	var err error
	if svc.user, err = newTierIndex(TierUser, embedder, opts.TombstoneRebuildRatio, opts.TombstoneRebuildMin); err != nil {
		return nil, err
	}
	if svc.session, err = newTierIndex(TierSession, embedder, opts.TombstoneRebuildRatio, opts.TombstoneRebuildMin); err != nil {
		return nil, err
	}
	if svc.context, err = newTierIndex(TierContext, embedder, opts.TombstoneRebuildRatio, opts.TombstoneRebuildMin); err != nil {
		return nil, err
	}

	if opts.Dir != "" {
		svc.durable, err = openDurableStore(opts.Dir)
		if err != nil {
			return nil, err
		}
		records, err := svc.durable.Load()
		if err != nil {
			svc.durable.Close()
			return nil, err
		}
		loaded := 0
		for _, rec := range records {
			if rec.Deleted {
				continue
			}
			if err := svc.user.add(context.Background(), rec); err != nil {
				logger.WarnCF("memory", "skipping unloadable record", map[string]interface{}{
					"id":    rec.ID,
					"error": err.Error(),
				})
				continue
			}
			loaded++
		}
		logger.InfoCF("memory", "user tier loaded", map[string]interface{}{
			"records": loaded,
			"model":   embedder.ModelID(),
		})
	}

	return svc, nil
}

func (s *Service) tierIndexFor(tier Tier) (*tierIndex, error) {
	switch tier {
	case TierUser:
		return s.user, nil
	case TierSession:
		return s.session, nil
	case TierContext:
		return s.context, nil
	default:
		return nil, fmt.Errorf("unknown memory tier %q", tier)
	}
}

// Add stores a record and returns its id. User-tier writes hit the
// backup log before anything else; the id is not handed back until the
// append has synced.
func (s *Service) Add(ctx context.Context, tier Tier, kind RecordKind, sessionKey, text string, meta map[string]string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("memory text is empty")
	}

	idx, err := s.tierIndexFor(tier)
	if err != nil {
		return "", err
	}

	rec := Record{
		ID:         newRecordID(),
		Tier:       tier,
		Kind:       kind,
		SessionKey: sessionKey,
		Text:       text,
		Metadata:   meta,
		CreatedAt:  time.Now().UTC(),
	}

	if tier == TierUser && s.durable != nil {
		if err := s.durable.AppendBackup(logEntry{Op: "add", Record: &rec}); err != nil {
			return "", err
		}
		if err := s.durable.Persist(rec); err != nil {
			logger.WarnCF("memory", "sidecar persist failed, backup log has the record", map[string]interface{}{
				"id":    rec.ID,
				"error": err.Error(),
			})
		}
	}

	// A degraded user index is not retried per add; the record stays
	// keyword-searchable and gets re-embedded by the next rebuild.
	if tier == TierUser && s.userDegraded.Load() {
		idx.addRecordOnly(rec)
		return rec.ID, nil
	}

	if err := idx.add(ctx, rec); err != nil {
		if tier == TierUser {
			// The record is durable and the keyword fallback sees it;
			// only similarity recall degrades.
			idx.addRecordOnly(rec)
			s.userDegraded.Store(true)
			logger.WarnCF("memory", "user index add failed, recall degraded", map[string]interface{}{
				"id":    rec.ID,
				"error": err.Error(),
			})
			return rec.ID, nil
		}
		return "", err
	}
	return rec.ID, nil
}

// Search queries one tier. Index failures degrade to keyword search
// over live records instead of failing the caller.
func (s *Service) Search(ctx context.Context, tier Tier, query string, k int, minScore float64) ([]SearchResult, error) {
	idx, err := s.tierIndexFor(tier)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = s.opts.RecallItems
	}
	if minScore <= 0 {
		minScore = s.opts.MinScore
	}

	if tier == TierUser && s.userDegraded.Load() {
		return idx.keywordSearch(query, k), nil
	}

	results, err := idx.search(ctx, query, k, minScore)
	if err != nil {
		logger.WarnCF("memory", "index search failed, using keyword fallback", map[string]interface{}{
			"tier":  string(tier),
			"error": err.Error(),
		})
		return idx.keywordSearch(query, k), nil
	}
	return results, nil
}

// SearchAll queries every tier and merges ranked results user tier
// first, then session, then context, capped at RecallItems.
func (s *Service) SearchAll(ctx context.Context, query string) []SearchResult {
	limit := s.opts.RecallItems
	merged := make([]SearchResult, 0, limit)

	for _, tier := range []Tier{TierUser, TierSession, TierContext} {
		if len(merged) >= limit {
			break
		}
		results, err := s.Search(ctx, tier, query, limit-len(merged), s.opts.MinScore)
		if err != nil {
			continue
		}
		merged = append(merged, results...)
	}
	return merged
}

// Delete tombstones a record wherever it lives. The vector stays in
// the index until the next rebuild; it never surfaces in results.
func (s *Service) Delete(ctx context.Context, id string) error {
	for _, idx := range []*tierIndex{s.user, s.session, s.context} {
		if !idx.delete(id) {
			continue
		}
		if idx.tier == TierUser && s.durable != nil {
			if err := s.durable.AppendBackup(logEntry{Op: "delete", ID: id}); err != nil {
				return err
			}
			if err := s.durable.MarkDeleted(id); err != nil {
				logger.WarnCF("memory", "sidecar delete failed, backup log has the tombstone", map[string]interface{}{
					"id":    id,
					"error": err.Error(),
				})
			}
		}
		return nil
	}
	return fmt.Errorf("memory record %s not found", id)
}

// CommitTurn records one completed exchange in the session tier and
// kicks compression when the retained window is past the threshold.
// Compression runs off the caller's path.
func (s *Service) CommitTurn(ctx context.Context, sessionKey, userText, assistantText string) error {
	text := "user: " + strings.TrimSpace(userText) + "\nassistant: " + strings.TrimSpace(assistantText)
	if _, err := s.Add(ctx, TierSession, KindTurn, sessionKey, text, nil); err != nil {
		return err
	}
	s.maybeCompress(sessionKey)
	return nil
}

// Maintain sweeps all tiers and rebuilds any index whose tombstone
// ratio crossed the threshold.
func (s *Service) Maintain(ctx context.Context) {
	for _, idx := range []*tierIndex{s.user, s.session, s.context} {
		if !idx.needsRebuild() {
			continue
		}
		if err := idx.rebuild(ctx); err != nil {
			logger.ErrorCF("memory", "index rebuild failed", map[string]interface{}{
				"tier":  string(idx.tier),
				"error": err.Error(),
			})
			continue
		}
		if idx.tier == TierUser {
			s.userDegraded.Store(false)
		}
	}
}

func (s *Service) Close() error {
	if s.durable != nil {
		return s.durable.Close()
	}
	return nil
}
