package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type canonicalPayload struct {
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Metadata  map[string]any `json:"metadata"`
	Actor     string         `json:"actor"`
	Timestamp string         `json:"timestamp"`
}

// canonicalJSON renders the hashed fields with a fixed field order; map keys are sorted by encoding/json.
func canonicalJSON(r *Record) ([]byte, error) {
	md := r.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return json.Marshal(canonicalPayload{
		Action:    r.Action,
		Target:    r.TargetID,
		Metadata:  md,
		Actor:     r.Actor,
		Timestamp: r.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ComputeHash returns hex(sha256(prev_hash || canonical_json(payload))).
func ComputeHash(prevHash string, r *Record) (string, error) {
	body, err := canonicalJSON(r)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain replays records in order and reports the first record whose link or hash does not match.
func VerifyChain(records []*Record) VerifyResult {
	res := VerifyResult{Valid: true, TotalEntries: len(records)}
	prev := GenesisHash
	for i, r := range records {
		computed, err := ComputeHash(prev, r)
		if err != nil || r.PrevHash != prev || computed != r.RecordHash {
			idx := i
			res.Valid = false
			res.FirstInvalidIndex = &idx
			return res
		}
		prev = r.RecordHash
	}
	return res
}
