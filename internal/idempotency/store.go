package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Record is the stored outcome of a will operation submitted under an
// idempotency key. Replaying the key returns the same response instead of
// submitting a second transaction.
type Record struct {
	Operation   string    `json:"operation"`
	Address     string    `json:"address"`
	TxID        string    `json:"txId"`
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Matches reports whether a replayed request carries the same payload as
// the one that produced the record.
func (r Record) Matches(fingerprint string) bool { return r.Fingerprint == fingerprint }

// Fingerprint hashes an operation and its request body.
func Fingerprint(operation, address string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(address))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Store abstracts idempotency persistence.
//
// Reserve claims a key for an operation in flight. It reports false when
// another holder has the key and its reservation has not lapsed after ttl.
// Release drops the reservation once the outcome is saved or discarded.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// reservations tracks in-flight keys for the process-local stores.
type reservations struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func (r *reservations) reserve(key string, now time.Time, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held == nil {
		r.held = make(map[string]time.Time)
	}
	if until, ok := r.held[key]; ok && now.Before(until) {
		return false
	}
	r.held[key] = now.Add(ttl)
	return true
}

func (r *reservations) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, key)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]Record
	now      func() time.Time
	inflight reservations
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return m.inflight.reserve(key, m.now(), ttl), nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.inflight.release(key)
	return nil
}

// ByAddress lists unexpired records for an escrow address, newest first.
func (m *MemoryStore) ByAddress(_ context.Context, address string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.data {
		if rec.Address == address && !m.now().After(rec.ExpiresAt) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// History is implemented by stores that can list operations per address.
type History interface {
	ByAddress(ctx context.Context, address string) ([]Record, error)
}

// FileStore persists records to a JSON file. Suitable for a single local
// instance. Reservations live in memory only.
type FileStore struct {
	path     string
	mu       sync.Mutex
	data     map[string]Record
	inflight reservations
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// persist writes a temp file and renames it over the store.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(record.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return f.inflight.reserve(key, time.Now(), ttl), nil
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.inflight.release(key)
	return nil
}

func (f *FileStore) ByAddress(_ context.Context, address string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []Record
	for _, rec := range f.data {
		if rec.Address == address && !now.After(rec.ExpiresAt) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
