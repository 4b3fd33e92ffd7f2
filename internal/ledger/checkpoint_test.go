package ledger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/pkg/types"
)

func testSigner(t *testing.T) *crypto.KeySigner {
	t.Helper()
	priv, _, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return crypto.NewKeySigner("test-key", priv)
}

func TestMakeCheckpointAndVerify(t *testing.T) {
	signer := testSigner(t)

	cp, err := MakeCheckpoint(CheckpointInput{
		DealID:    "deal-1",
		Sequence:  3,
		HeadHash:  "sha256:head",
		State:     types.StateApproved,
		CreatedAt: "2026-03-01T12:00:00Z",
	}, signer)
	if err != nil {
		t.Fatalf("make checkpoint: %v", err)
	}
	if cp.Digest == "" || len(cp.Sig) == 0 || cp.KeyID != "test-key" || cp.Schema != CheckpointSchema {
		t.Fatalf("incomplete checkpoint: %+v", cp)
	}

	if err := VerifyCheckpoint(cp, signer.PublicKey()); err != nil {
		t.Fatalf("verify checkpoint: %v", err)
	}

	tampered := cp
	tampered.Sequence = 4
	if err := VerifyCheckpoint(tampered, signer.PublicKey()); !errors.Is(err, ErrCheckpointDigestMismatch) {
		t.Fatalf("expected digest mismatch, got %v", err)
	}

	badSig := cp
	badSig.Sig = bytes.Repeat([]byte{0x02}, len(cp.Sig))
	if err := VerifyCheckpoint(badSig, signer.PublicKey()); !errors.Is(err, ErrCheckpointSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestMakeCheckpointValidation(t *testing.T) {
	signer := testSigner(t)
	if _, err := MakeCheckpoint(CheckpointInput{DealID: "d", HeadHash: "h"}, signer); err == nil {
		t.Fatalf("expected error for zero sequence")
	}
	if _, err := MakeCheckpoint(CheckpointInput{DealID: "d", HeadHash: "h", Sequence: 1}, nil); err == nil {
		t.Fatalf("expected error for missing signer")
	}
}
