package pack

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/dealledger/internal/chain"
	"github.com/davidahmann/dealledger/internal/crypto"
	"github.com/davidahmann/dealledger/pkg/types"
)

func sampleInput(t *testing.T) Input {
	t.Helper()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	genesis := &types.Event{ID: "e1", DealID: "deal-1", Type: types.EventDealCreated, Payload: map[string]any{"name": "Harbor"}, ActorID: "alice", FromState: types.StateDraft, ToState: types.StateDraft, OccurredAt: at}
	if err := chain.Link(nil, genesis); err != nil {
		t.Fatalf("link: %v", err)
	}
	events := []types.Event{*genesis}
	return Input{
		Deal:         types.Deal{ID: "deal-1", Name: "Harbor", State: types.StateDraft, CreatedAt: at, UpdatedAt: at},
		Events:       events,
		Claims:       []types.Claim{{ID: "c1", DealID: "deal-1", Field: "purchase_price", Value: "10", Tier: types.TierHuman}},
		Verification: chain.Verify("deal-1", events),
		Policy:       PolicyRef{ID: "p", Version: "v", Hash: "sha256:policy"},
		CreatedAt:    at.Format(time.RFC3339),
	}
}

func TestBuildZipIncludesArtifacts(t *testing.T) {
	zipBytes, err := BuildZip(sampleInput(t))
	if err != nil {
		t.Fatalf("build zip: %v", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		t.Fatalf("zip reader: %v", err)
	}

	expected := map[string]bool{
		"deal.json":         false,
		"events.json":       false,
		"claims.json":       false,
		"approvals.json":    false,
		"verification.json": false,
		"manifest.json":     false,
		"sha256sums.txt":    false,
	}
	for _, file := range reader.File {
		if _, ok := expected[file.Name]; ok {
			expected[file.Name] = true
		}
		if file.Name == "checkpoint.json" {
			t.Fatalf("checkpoint.json should be absent without a checkpoint")
		}
	}
	for name, seen := range expected {
		if !seen {
			t.Fatalf("missing %s", name)
		}
	}
}

func TestManifestDigestsMatchFiles(t *testing.T) {
	in := sampleInput(t)
	in.Checkpoint = &types.Checkpoint{DealID: "deal-1", Sequence: 1, Sig: []byte{1, 2}}
	files, err := BuildFiles(in)
	if err != nil {
		t.Fatalf("build files: %v", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(files["manifest.json"], &manifest); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if !manifest.Valid || manifest.Length != 1 || manifest.Grade.Grade != "A" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if len(manifest.Files) != 6 {
		t.Fatalf("expected 6 digested files, got %d", len(manifest.Files))
	}
	for _, fd := range manifest.Files {
		want := hex.EncodeToString(crypto.DigestBytes(files[fd.Name]))
		if fd.SHA256 != want {
			t.Fatalf("digest mismatch for %s", fd.Name)
		}
		if !strings.Contains(string(files["sha256sums.txt"]), want+"  "+fd.Name) {
			t.Fatalf("sha256sums missing %s", fd.Name)
		}
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	a, err := BuildZip(sampleInput(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := BuildZip(sampleInput(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected identical archives")
	}
}

func TestBuildFilesRequiresDealAndPolicy(t *testing.T) {
	if _, err := BuildFiles(Input{}); err == nil {
		t.Fatalf("expected error for missing deal")
	}
	if _, err := BuildFiles(Input{Deal: types.Deal{ID: "d"}}); err == nil {
		t.Fatalf("expected error for missing policy")
	}
}

func TestWriteZip(t *testing.T) {
	files := map[string][]byte{
		"a.txt": []byte("alpha"),
		"b.txt": []byte("bravo"),
	}
	buf := bytes.NewBuffer(nil)
	if err := WriteZip(buf, files); err != nil {
		t.Fatalf("write zip: %v", err)
	}
	reader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip reader: %v", err)
	}
	if len(reader.File) != 2 || reader.File[0].Name != "a.txt" {
		t.Fatalf("expected 2 files in name order")
	}
}
