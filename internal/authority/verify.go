package authority

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/davidahmann/dealledger/internal/chain"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/pkg/types"
)

// VerifyChain recomputes every hash of the deal's chain. A broken chain
// halts the deal's append path; the halt is only lifted by ReinstateChain.
func (s *Service) VerifyChain(ctx context.Context, dealID string) (res chain.Result, err error) {
	ctx, span := s.startSpan(ctx, "VerifyChain", dealAttr(dealID))
	defer func() { endSpan(span, err) }()

	events, err := s.ListEvents(ctx, dealID)
	if err != nil {
		return chain.Result{}, err
	}
	res = chain.Verify(dealID, events)
	if !res.Valid {
		if err := s.halt(ctx, dealID, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Service) halt(ctx context.Context, dealID string, res chain.Result) error {
	unlock, err := s.locker.Lock(ctx, dealID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.markHalted(ctx, dealID, res)
}

// markHalted sets AppendHalted on the deal. The caller holds the deal lock.
func (s *Service) markHalted(ctx context.Context, dealID string, res chain.Result) error {
	s.metrics.corruptions.Add(ctx, 1)
	s.log.ErrorContext(ctx, "chain corruption detected",
		"deal_id", dealID,
		"broken_at_sequence", res.BrokenAtSequence,
		"reason", res.Reason,
	)

	return s.store.WithTx(ctx, func(tx ledger.Tx) error {
		deal, err := tx.GetDeal(dealID)
		if err != nil {
			return err
		}
		if deal.AppendHalted {
			return nil
		}
		deal.AppendHalted = true
		deal.UpdatedAt = s.now()
		return tx.UpdateDeal(deal)
	})
}

// ReinstateChain lifts a halt after the chain verifies again, appending
// ChainReinstated. A deal that is not halted is returned unchanged.
func (s *Service) ReinstateChain(ctx context.Context, dealID, operatorID string) (deal types.Deal, err error) {
	ctx, span := s.startSpan(ctx, "ReinstateChain", dealAttr(dealID))
	defer func() { endSpan(span, err) }()

	if err := requireID("operator", operatorID); err != nil {
		return types.Deal{}, err
	}

	unlock, err := s.locker.Lock(ctx, dealID)
	if err != nil {
		return types.Deal{}, err
	}
	defer unlock()

	deal, err = s.store.GetDeal(ctx, dealID)
	if err != nil {
		return types.Deal{}, err
	}
	if !deal.AppendHalted {
		return deal, nil
	}
	events, err := s.store.ListEvents(ctx, dealID)
	if err != nil {
		return types.Deal{}, err
	}
	res := chain.Verify(dealID, events)
	if !res.Valid {
		return types.Deal{}, &ChainCorruptionError{DealID: dealID, BrokenAtSequence: res.BrokenAtSequence, Reason: res.Reason}
	}

	now := s.now()
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		current, err := tx.GetDeal(dealID)
		if err != nil {
			return err
		}
		current.AppendHalted = false
		current.UpdatedAt = now
		if _, err := s.internalEvent(tx, current, types.EventChainReinstated, operatorID, map[string]any{
			"operator_id": operatorID,
			"head_hash":   res.HeadHash,
			"length":      res.Length,
		}, now); err != nil {
			return err
		}
		deal = current
		return tx.UpdateDeal(current)
	})
	if err != nil {
		return types.Deal{}, err
	}
	s.log.WarnContext(ctx, "chain reinstated", "deal_id", dealID, "operator_id", operatorID, "length", res.Length)
	return deal, nil
}

// Checkpoint signs the deal's current chain head. The chain is verified
// first; a broken chain is halted and no checkpoint is produced.
func (s *Service) Checkpoint(ctx context.Context, dealID string) (cp types.Checkpoint, err error) {
	ctx, span := s.startSpan(ctx, "Checkpoint", dealAttr(dealID))
	defer func() { endSpan(span, err) }()

	if s.signer == nil {
		return types.Checkpoint{}, ErrNoSigner
	}
	events, err := s.ListEvents(ctx, dealID)
	if err != nil {
		return types.Checkpoint{}, err
	}
	res := chain.Verify(dealID, events)
	if !res.Valid {
		if err := s.halt(ctx, dealID, res); err != nil {
			return types.Checkpoint{}, err
		}
		return types.Checkpoint{}, &ChainCorruptionError{DealID: dealID, BrokenAtSequence: res.BrokenAtSequence, Reason: res.Reason}
	}

	if len(events) == 0 {
		return types.Checkpoint{}, fmt.Errorf("%w: deal %s has no events", ErrInvalidRequest, dealID)
	}
	head := events[len(events)-1]
	return ledger.MakeCheckpoint(ledger.CheckpointInput{
		DealID:    dealID,
		Sequence:  head.Sequence,
		HeadHash:  head.Hash,
		State:     head.ToState,
		CreatedAt: s.now().Format(time.RFC3339),
	}, s.signer)
}

// VerifyCheckpoint checks cp against the stored public key it names.
func (s *Service) VerifyCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	key, err := s.store.GetKey(ctx, cp.KeyID)
	if err != nil {
		return err
	}
	return ledger.VerifyCheckpoint(cp, ed25519.PublicKey(key.PublicKey))
}
