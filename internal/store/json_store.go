package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dead-mans-switch/internal/core"
)

// JSONStore keeps one JSON file per trustor under DataDir/contracts and the
// genesis policy in DataDir/policy.json. The beneficiary index is held in
// memory and rebuilt from the files on open.
type JSONStore struct {
	DataDir string

	mu    sync.Mutex
	index *MemoryStore
}

type contractFile struct {
	Trustor core.Identity `json:"trustor"`
	core.Contract
}

func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "contracts"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &JSONStore{DataDir: dir, index: NewMemoryStore()}
	if err := s.RebuildIndex(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) Policy(context.Context) (core.GlobalPolicy, error) {
	data, err := os.ReadFile(s.policyPath())
	if errors.Is(err, os.ErrNotExist) {
		return core.GlobalPolicy{}, ErrNotFound
	}
	if err != nil {
		return core.GlobalPolicy{}, err
	}
	var p core.GlobalPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return core.GlobalPolicy{}, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}

func (s *JSONStore) SetPolicy(_ context.Context, p core.GlobalPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.policyPath()); err == nil {
		return ErrExists
	}
	return writeJSON(s.policyPath(), p)
}

func (s *JSONStore) Contract(_ context.Context, trustor core.Identity) (core.Contract, error) {
	rec, err := readContract(s.contractPath(trustor))
	if err != nil {
		return core.Contract{}, err
	}
	return rec.Contract, nil
}

func (s *JSONStore) Contracts(context.Context) (map[core.Identity]core.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

func (s *JSONStore) TrustorsFor(ctx context.Context, beneficiary core.Identity) ([]core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.TrustorsFor(ctx, beneficiary)
}

func (s *JSONStore) Index(ctx context.Context) (map[core.Identity][]core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Index(ctx)
}

func (s *JSONStore) Insert(ctx context.Context, trustor core.Identity, c core.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.contractPath(trustor)
	if _, err := os.Stat(path); err == nil {
		return ErrExists
	}
	if err := writeJSON(path, contractFile{Trustor: trustor, Contract: c}); err != nil {
		return err
	}
	return s.index.Insert(ctx, trustor, c)
}

func (s *JSONStore) Update(ctx context.Context, trustor core.Identity, c core.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.contractPath(trustor)
	if _, err := readContract(path); err != nil {
		return err
	}
	if err := writeJSON(path, contractFile{Trustor: trustor, Contract: c}); err != nil {
		return err
	}
	return s.index.Update(ctx, trustor, c)
}

func (s *JSONStore) Delete(ctx context.Context, trustor core.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.contractPath(trustor)
	if _, err := readContract(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove contract file: %w", err)
	}
	return s.index.Delete(ctx, trustor)
}

func (s *JSONStore) RebuildIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return err
	}
	fresh := NewMemoryStore()
	for trustor, c := range all {
		if err := fresh.Insert(ctx, trustor, c); err != nil {
			return err
		}
	}
	s.index = fresh
	return nil
}

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) readAll() (map[core.Identity]core.Contract, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "contracts"))
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	out := make(map[core.Identity]core.Contract, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readContract(filepath.Join(s.DataDir, "contracts", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out[rec.Trustor] = rec.Contract
	}
	return out, nil
}

func (s *JSONStore) policyPath() string {
	return filepath.Join(s.DataDir, "policy.json")
}

// Identities are hex encoded in file names so any identity maps to a safe path
func (s *JSONStore) contractPath(trustor core.Identity) string {
	return filepath.Join(s.DataDir, "contracts", hex.EncodeToString([]byte(trustor))+".json")
}

func readContract(path string) (contractFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return contractFile{}, ErrNotFound
	}
	if err != nil {
		return contractFile{}, err
	}
	var rec contractFile
	if err := json.Unmarshal(data, &rec); err != nil {
		return contractFile{}, fmt.Errorf("decode contract: %w", err)
	}
	return rec, nil
}

// writeJSON replaces path atomically: write a temp file, then rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
