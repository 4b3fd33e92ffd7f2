package ledger

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/pkg/types"
)

const CheckpointSchema = "dealledger.checkpoint.v1"

var (
	ErrCheckpointDigestMismatch = errors.New("checkpoint digest mismatch")
	ErrCheckpointSignature      = errors.New("checkpoint signature invalid")
)

type Signer interface {
	KeyID() string
	SignEd25519(digest []byte) ([]byte, error)
}

type CheckpointInput struct {
	DealID    string
	Sequence  int64
	HeadHash  string
	State     types.State
	CreatedAt string
}

// MakeCheckpoint canonicalizes, hashes and signs a statement of the chain head.
func MakeCheckpoint(in CheckpointInput, signer Signer) (types.Checkpoint, error) {
	if signer == nil {
		return types.Checkpoint{}, errors.New("no checkpoint signer configured")
	}
	if in.DealID == "" || in.HeadHash == "" || in.Sequence < 1 {
		return types.Checkpoint{}, fmt.Errorf("missing required checkpoint fields")
	}

	cp := types.Checkpoint{
		Schema:    CheckpointSchema,
		DealID:    in.DealID,
		Sequence:  in.Sequence,
		HeadHash:  in.HeadHash,
		State:     in.State,
		CreatedAt: in.CreatedAt,
		KeyID:     signer.KeyID(),
	}

	digestBytes, digest, err := checkpointDigest(cp)
	if err != nil {
		return types.Checkpoint{}, err
	}
	sig, err := signer.SignEd25519(digestBytes)
	if err != nil {
		return types.Checkpoint{}, err
	}
	cp.Digest = digest
	cp.Sig = sig
	return cp, nil
}

// VerifyCheckpoint validates digest consistency and signature.
func VerifyCheckpoint(cp types.Checkpoint, publicKey ed25519.PublicKey) error {
	digestBytes, digest, err := checkpointDigest(cp)
	if err != nil {
		return err
	}
	if cp.Digest != digest {
		return ErrCheckpointDigestMismatch
	}
	ok, err := crypto.VerifyEd25519(publicKey, digestBytes, cp.Sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCheckpointSignature
	}
	return nil
}

func checkpointDigest(cp types.Checkpoint) ([]byte, string, error) {
	body := map[string]any{
		"schema":     cp.Schema,
		"deal_id":    cp.DealID,
		"seq":        cp.Sequence,
		"head_hash":  cp.HeadHash,
		"state":      string(cp.State),
		"created_at": cp.CreatedAt,
		"key_id":     cp.KeyID,
	}
	canonical, err := crypto.Canonicalize(body)
	if err != nil {
		return nil, "", err
	}
	return crypto.DigestBytes(canonical), crypto.DigestWithPrefix(canonical), nil
}
