package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
)

// SummaryFunc merges an existing summary with a transcript of turns
// being compressed. Typically backed by a provider call.
type SummaryFunc func(ctx context.Context, existingSummary, transcript string) (string, error)

// maybeCompress starts a background compression pass when the session
// tier holds more verbatim turns than the configured threshold. The
// pending flag keeps at most one pass in flight; a second trigger while
// one runs is a no-op.
func (s *Service) maybeCompress(sessionKey string) {
	if s.opts.Summarize == nil {
		return
	}
	turns := s.session.liveRecords(sessionKey)
	if len(turns) <= s.opts.CompressAfterTurns {
		return
	}
	if !s.compactPending.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer s.compactPending.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.compressSession(ctx, sessionKey); err != nil {
			logger.WarnCF("memory", "session compression failed", map[string]interface{}{
				"session_key": sessionKey,
				"error":       err.Error(),
			})
		}
	}()
}

// compressSession summarizes all but the most recent turns into one
// context-tier record and tombstones the compressed turns. A failed
// summary leaves everything untouched.
func (s *Service) compressSession(ctx context.Context, sessionKey string) error {
	turns := s.session.liveRecords(sessionKey)
	keep := s.opts.CompressKeepTurns
	if len(turns) <= keep {
		return nil
	}
	toCompress := turns[:len(turns)-keep]

	existing := s.latestSummary(sessionKey)
	transcript := buildTranscript(toCompress)

	summary, err := s.opts.Summarize(ctx, existing, transcript)
	if err != nil {
		return fmt.Errorf("summarize session: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		summary = fallbackSummary(existing, toCompress)
	}

	if _, err := s.Add(ctx, TierContext, KindSummary, sessionKey, summary, map[string]string{
		"compressed_turns": fmt.Sprintf("%d", len(toCompress)),
	}); err != nil {
		return err
	}

	for _, rec := range toCompress {
		s.session.delete(rec.ID)
	}

	logger.InfoCF("memory", "session compressed", map[string]interface{}{
		"session_key": sessionKey,
		"compressed":  len(toCompress),
		"kept":        keep,
	})
	return nil
}

func (s *Service) latestSummary(sessionKey string) string {
	summaries := s.context.liveRecords(sessionKey)
	for i := len(summaries) - 1; i >= 0; i-- {
		if summaries[i].Kind == KindSummary {
			return summaries[i].Text
		}
	}
	return ""
}

func buildTranscript(turns []Record) string {
	var b strings.Builder
	for _, rec := range turns {
		content := strings.TrimSpace(rec.Text)
		if content == "" {
			continue
		}
		if len(content) > 400 {
			content = content[:400] + "..."
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

func fallbackSummary(existing string, turns []Record) string {
	parts := []string{}
	if strings.TrimSpace(existing) != "" {
		parts = append(parts, strings.TrimSpace(existing))
	}
	if len(turns) > 0 {
		start := turns[0].CreatedAt.Format(time.RFC3339)
		end := turns[len(turns)-1].CreatedAt.Format(time.RFC3339)
		parts = append(parts, fmt.Sprintf("Compressed conversation window %s - %s (%d turns).", start, end, len(turns)))
	}

	bulletCount := 0
	for _, rec := range turns {
		line := strings.TrimSpace(rec.Text)
		if idx := strings.Index(line, "\n"); idx > 0 {
			line = line[:idx]
		}
		line = strings.TrimPrefix(line, "user: ")
		if line == "" {
			continue
		}
		if len(line) > 160 {
			line = line[:160] + "..."
		}
		parts = append(parts, "- Topic: "+line)
		bulletCount++
		if bulletCount >= 6 {
			break
		}
	}

	return strings.Join(parts, "\n")
}
