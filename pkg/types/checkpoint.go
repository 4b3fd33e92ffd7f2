package types

// Checkpoint is a signed statement of a deal's chain head.
type Checkpoint struct {
	Schema    string `json:"schema"`
	DealID    string `json:"deal_id"`
	Sequence  int64  `json:"sequence"`
	HeadHash  string `json:"head_hash"`
	State     State  `json:"state"`
	CreatedAt string `json:"created_at"`
	Digest    string `json:"digest"`
	KeyID     string `json:"key_id"`
	Sig       []byte `json:"sig"`
}
