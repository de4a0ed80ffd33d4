package audit

import (
	"context"
	"time"

	"github.com/qiniu/controlplane/internal/alerting/model"
)

// GenesisHash is the prev_hash of the first record in a ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one hash-chained ledger entry. Records are never updated in place.
type Record struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetID   string         `json:"target_id,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
	SourceIP   string         `json:"source_ip,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	RecordHash string         `json:"record_hash"`
}

// Entry is what a caller supplies; the ledger assigns id, timestamp and hashes.
type Entry struct {
	Actor    string
	Action   string
	TargetID string
	Metadata map[string]any
	SourceIP string
}

// VerifyResult is the outcome of replaying the chain.
type VerifyResult struct {
	Valid             bool               `json:"valid"`
	TotalEntries      int                `json:"total_entries"`
	FirstInvalidIndex *int               `json:"first_invalid_index,omitempty"`
	Error             *model.ErrorDetail `json:"error,omitempty"` // chain_tamper when Valid is false
}

// Filter selects records for operator views. Tenant matches metadata.tenant_id.
type Filter struct {
	Tenant string
	Action string
	Limit  int
}

// Store persists the chain. AppendChained must read the current head and insert the
// record produced by build atomically with respect to other appenders.
type Store interface {
	AppendChained(ctx context.Context, build func(prevHash string) (*Record, error)) (*Record, error)
	List(ctx context.Context, f Filter) ([]*Record, error)
	All(ctx context.Context) ([]*Record, error)
}
