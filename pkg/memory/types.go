package memory

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tier identifies one of the three memory layers.
type Tier string

const (
	// TierUser holds durable cross-session facts and preferences.
	TierUser Tier = "user"
	// TierSession holds the verbatim turns of the current conversation.
	TierSession Tier = "session"
	// TierContext holds derived artifacts: compression summaries,
	// extracted task state. Process lifetime.
	TierContext Tier = "context"
)

// RecordKind classifies what a record captures.
type RecordKind string

const (
	KindFact    RecordKind = "fact"
	KindTurn    RecordKind = "turn"
	KindEpisode RecordKind = "episode"
	KindSummary RecordKind = "summary"
)

// Record is one stored memory. IDs are ULIDs so the backup log sorts
// by creation time without a secondary index.
type Record struct {
	ID         string            `json:"id"`
	Tier       Tier              `json:"tier"`
	Kind       RecordKind        `json:"kind"`
	SessionKey string            `json:"session_key,omitempty"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Deleted    bool              `json:"deleted,omitempty"`
}

// SearchResult pairs a live record with its similarity to the query.
type SearchResult struct {
	Record Record
	Score  float64
}

func newRecordID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func parseStoredTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000Z", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
