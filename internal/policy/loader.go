package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/dealledger/internal/crypto"
)

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
	Engine *Engine
}

// LoadPolicy loads a YAML policy, compiles it and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (LoadedPolicy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return LoadedPolicy{}, fmt.Errorf("parse policy: %w", err)
	}

	hash := crypto.DigestWithPrefix(data)
	engine, err := Compile(p, hash)
	if err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   hash,
		Bytes:  data,
		Engine: engine,
	}, nil
}
