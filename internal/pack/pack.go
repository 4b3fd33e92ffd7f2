// Package pack assembles a self-describing evidence archive for one deal:
// its chain, claims, approvals, verification result and checkpoint, plus a
// manifest and sha256sums over every file.
package pack

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/davidahmann/dealledger/internal/approval"
	"github.com/davidahmann/dealledger/internal/chain"
	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/internal/grade"
	"github.com/davidahmann/dealledger/pkg/types"
)

const ManifestSchema = "dealledger.pack.v1"

type PolicyRef struct {
	ID      string `json:"policy_id"`
	Version string `json:"policy_version"`
	Hash    string `json:"policy_hash"`
}

type Input struct {
	Deal         types.Deal
	Events       []types.Event
	Claims       []types.Claim
	Approvals    []approval.Record
	Verification chain.Result
	Checkpoint   *types.Checkpoint
	Policy       PolicyRef
	CreatedAt    string
}

type FileDigest struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
}

type Manifest struct {
	Schema    string       `json:"schema"`
	DealID    string       `json:"deal_id"`
	State     types.State  `json:"state"`
	Length    int64        `json:"length"`
	HeadHash  string       `json:"head_hash,omitempty"`
	Valid     bool         `json:"valid"`
	Policy    PolicyRef    `json:"policy"`
	Grade     grade.Result `json:"grade"`
	CreatedAt string       `json:"created_at"`
	Files     []FileDigest `json:"files"`
}

// BuildFiles renders the pack contents keyed by file name.
func BuildFiles(in Input) (map[string][]byte, error) {
	if strings.TrimSpace(in.Deal.ID) == "" {
		return nil, errors.New("pack: deal is required")
	}
	if in.Policy.Hash == "" {
		return nil, errors.New("pack: policy hash is required")
	}

	files := map[string][]byte{}
	add := func(name string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("pack %s: %w", name, err)
		}
		files[name] = append(data, '\n')
		return nil
	}

	if err := add("deal.json", in.Deal); err != nil {
		return nil, err
	}
	if err := add("events.json", nonNil(in.Events)); err != nil {
		return nil, err
	}
	if err := add("claims.json", nonNil(in.Claims)); err != nil {
		return nil, err
	}
	if err := add("approvals.json", nonNil(in.Approvals)); err != nil {
		return nil, err
	}
	if err := add("verification.json", in.Verification); err != nil {
		return nil, err
	}
	if in.Checkpoint != nil {
		if err := add("checkpoint.json", in.Checkpoint); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	manifest := Manifest{
		Schema:   ManifestSchema,
		DealID:   in.Deal.ID,
		State:    in.Deal.State,
		Length:   in.Verification.Length,
		HeadHash: in.Verification.HeadHash,
		Valid:    in.Verification.Valid,
		Policy:   in.Policy,
		Grade: grade.Evaluate(grade.Input{
			Verification: in.Verification,
			Deal:         in.Deal,
			Checkpoint:   in.Checkpoint,
			Claims:       in.Claims,
		}),
		CreatedAt: in.CreatedAt,
	}
	var sums strings.Builder
	for _, name := range names {
		sum := hex.EncodeToString(crypto.DigestBytes(files[name]))
		manifest.Files = append(manifest.Files, FileDigest{Name: name, SHA256: sum})
		fmt.Fprintf(&sums, "%s  %s\n", sum, name)
	}
	if err := add("manifest.json", manifest); err != nil {
		return nil, err
	}
	files["sha256sums.txt"] = []byte(sums.String())
	return files, nil
}

func BuildZip(in Input) ([]byte, error) {
	files, err := BuildFiles(in)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteZip(&buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteZip writes files in name order with zeroed timestamps so equal
// inputs give identical archives.
func WriteZip(w io.Writer, files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(w)
	for _, name := range names {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return err
		}
		if _, err := fw.Write(files[name]); err != nil {
			return err
		}
	}
	return zw.Close()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
