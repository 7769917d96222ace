// Package ledger implements the tamper-evident audit log: an
// append-only hash chain where every entry embeds the hash of its
// predecessor, so any retroactive edit breaks verification from that
// point onward.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/securecollab/mpstudy/crypto"
)

// Entry is one immutable audit record. EntryHash covers the action
// type, actor, details, timestamp, and previous hash; PreviousHash of
// the genesis entry is the all-zero sentinel.
type Entry struct {
	Sequence     uint64          `json:"sequence"`
	StudyID      string          `json:"study_id"`
	ActionType   string          `json:"action_type"`
	Actor        string          `json:"actor"`
	Details      json.RawMessage `json:"details"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// hash recomputes the entry hash from the hashed-over fields.
func (e *Entry) hash() string {
	return crypto.SumStrings256Hex(
		e.ActionType,
		e.Actor,
		string(e.Details),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.PreviousHash,
	)
}

// Store persists entries with strictly ordered append semantics.
// AppendEntry must reject an entry whose sequence number is not exactly
// one past the study's current tail, so a writer that raced and
// computed its previous hash from a stale tail can never corrupt the
// chain. Implementations must also return every hashed-over field
// verbatim: the exact Details bytes and a timestamp that renders back
// to the same RFC3339Nano string, or re-verification of an untampered
// chain fails.
type Store interface {
	AppendEntry(e *Entry) error
	LastEntry(studyID string) (*Entry, error)
	Entries(studyID string) ([]*Entry, error)
}

// Append links a new entry to the study's chain in the given store.
// Details must be JSON-marshalable; map keys are serialized in sorted
// order so the hash is deterministic. Callers serialize appends per
// study; a writer that still races is rejected by the store's
// ordered-append check rather than forking the chain. Passing a
// transactional store commits the entry together with the state
// transition it records.
func Append(store Store, studyID, actionType, actor string, details map[string]any) (*Entry, error) {
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}

	last, err := store.LastEntry(studyID)
	if err != nil {
		return nil, fmt.Errorf("load chain tail: %w", err)
	}

	entry := &Entry{
		StudyID:      studyID,
		ActionType:   actionType,
		Actor:        actor,
		Details:      detailsJSON,
		Timestamp:    time.Now().UTC(),
		PreviousHash: crypto.ZeroHash,
	}
	if last != nil {
		entry.Sequence = last.Sequence + 1
		entry.PreviousHash = last.EntryHash
	}
	entry.EntryHash = entry.hash()

	if err := store.AppendEntry(entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

// VerifyChain walks an ordered sequence of entries and reports whether
// every entry's stored hash matches its recomputed hash and its
// previous hash matches the predecessor's entry hash. An empty sequence
// verifies trivially.
func VerifyChain(entries []*Entry) bool {
	return VerifyReport(entries).Valid
}

// Report is the result of a chain verification pass. A broken chain is
// evidence of tampering; it is reported, never repaired.
type Report struct {
	Valid    bool    `json:"valid"`
	Entries  int     `json:"entries"`
	BrokenAt *uint64 `json:"broken_at,omitempty"`
}

// VerifyReport is VerifyChain with the first broken sequence number.
func VerifyReport(entries []*Entry) Report {
	prev := crypto.ZeroHash
	for _, e := range entries {
		if e.PreviousHash != prev || e.hash() != e.EntryHash {
			seq := e.Sequence
			return Report{Valid: false, Entries: len(entries), BrokenAt: &seq}
		}
		prev = e.EntryHash
	}
	return Report{Valid: true, Entries: len(entries)}
}
