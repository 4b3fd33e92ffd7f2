// Package chain computes and verifies the per-deal hash linkage between
// consecutive events.
package chain

import (
	"fmt"

	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/pkg/types"
)

const HashSchema = "dealledger.event.v1"

// Hash returns H(dealID, seq, type, payload, previousHash). A nil
// previousHash is omitted from the hashed body.
func Hash(dealID string, seq int64, eventType types.EventType, payload map[string]any, previousHash *string) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body := map[string]any{
		"schema":        HashSchema,
		"deal_id":       dealID,
		"seq":           seq,
		"type":          string(eventType),
		"payload":       payload,
		"previous_hash": previousHash,
	}
	_, digest, err := crypto.CanonicalDigest(body)
	if err != nil {
		return "", fmt.Errorf("hash event %s#%d: %w", dealID, seq, err)
	}
	return digest, nil
}

// Link fills Sequence, PreviousHash and Hash on next so that it extends tail.
// A nil tail starts a new chain.
func Link(tail *types.Event, next *types.Event) error {
	next.Sequence = 1
	next.PreviousHash = nil
	if tail != nil {
		prev := tail.Hash
		next.Sequence = tail.Sequence + 1
		next.PreviousHash = &prev
	}
	hash, err := Hash(next.DealID, next.Sequence, next.Type, next.Payload, next.PreviousHash)
	if err != nil {
		return err
	}
	next.Hash = hash
	return nil
}

type Result struct {
	Valid            bool   `json:"valid"`
	BrokenAtSequence int64  `json:"brokenAtSequence,omitempty"`
	Length           int64  `json:"length"`
	HeadHash         string `json:"headHash,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Verify walks events in order and reports the first sequence number at
// which numbering, linkage or the recomputed hash disagrees with storage.
func Verify(dealID string, events []types.Event) Result {
	var prevHash *string
	for i, ev := range events {
		want := int64(i + 1)
		switch {
		case ev.Sequence != want:
			return broken(want, len(events), fmt.Sprintf("sequence gap: expected %d, got %d", want, ev.Sequence))
		case ev.DealID != dealID:
			return broken(want, len(events), fmt.Sprintf("event belongs to deal %s", ev.DealID))
		case !sameHash(prevHash, ev.PreviousHash):
			return broken(want, len(events), "previous hash does not match predecessor")
		}

		computed, err := Hash(ev.DealID, ev.Sequence, ev.Type, ev.Payload, ev.PreviousHash)
		if err != nil {
			return broken(want, len(events), err.Error())
		}
		if computed != ev.Hash {
			return broken(want, len(events), "stored hash does not match recomputed hash")
		}
		h := ev.Hash
		prevHash = &h
	}

	res := Result{Valid: true, Length: int64(len(events))}
	if prevHash != nil {
		res.HeadHash = *prevHash
	}
	return res
}

func broken(seq int64, n int, reason string) Result {
	return Result{Valid: false, BrokenAtSequence: seq, Length: int64(n), Reason: reason}
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
