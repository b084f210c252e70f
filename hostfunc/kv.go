package hostfunc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/caffeineduck/hostbridge/errno"
)

const (
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 << 10
	DefaultKVMaxEntries   = 1000
)

type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
		MaxEntries:   DefaultKVMaxEntries,
	}
}

type KVOption func(*KVConfig)

func WithMaxKeySize(n int) KVOption {
	return func(c *KVConfig) { c.MaxKeySize = n }
}

func WithMaxValueSize(n int) KVOption {
	return func(c *KVConfig) { c.MaxValueSize = n }
}

func WithMaxEntries(n int) KVOption {
	return func(c *KVConfig) { c.MaxEntries = n }
}

// KVStore is an in-memory string store shared by every guest it is
// registered for. Zero limits mean unlimited.
type KVStore struct {
	cfg  KVConfig
	data map[string]string
	mu   sync.RWMutex
}

func NewKVStore(opts ...KVOption) *KVStore {
	cfg := DefaultKVConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewKV(cfg)
}

func NewKV(cfg KVConfig) *KVStore {
	return &KVStore{cfg: cfg, data: make(map[string]string)}
}

// KVFunctions names the functions a KVStore registers.
var KVFunctions = []string{"kv_get", "kv_set", "kv_delete", "kv_keys"}

// Register adds kv_get, kv_set, kv_delete and kv_keys to r.
func (s *KVStore) Register(r *Registry) {
	r.Register("kv_get", s.Get)
	r.Register("kv_set", s.Set)
	r.Register("kv_delete", s.Delete)
	r.Register("kv_keys", s.Keys)
}

// Get returns the raw value bytes, or ENOENT.
func (s *KVStore) Get(ctx context.Context, args []byte) ([]byte, error) {
	var req KVGetRequest
	if err := decodeArgs("kv_get", args, &req); err != nil {
		return nil, err
	}

	s.mu.RLock()
	val, exists := s.data[req.Key]
	s.mu.RUnlock()

	if !exists {
		return nil, errno.New(errno.NoEnt, "kv_get: "+req.Key)
	}
	return []byte(val), nil
}

func (s *KVStore) Set(ctx context.Context, args []byte) ([]byte, error) {
	var req KVSetRequest
	if err := decodeArgs("kv_set", args, &req); err != nil {
		return nil, err
	}
	if s.cfg.MaxKeySize > 0 && len(req.Key) > s.cfg.MaxKeySize {
		return nil, errno.New(errno.TooBig, "kv_set: key too large")
	}
	if s.cfg.MaxValueSize > 0 && len(req.Value) > s.cfg.MaxValueSize {
		return nil, errno.New(errno.TooBig, "kv_set: value too large")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[req.Key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return nil, errno.New(errno.NoMem, "kv_set: too many entries")
	}
	s.data[req.Key] = req.Value
	return nil, nil
}

func (s *KVStore) Delete(ctx context.Context, args []byte) ([]byte, error) {
	var req KVDeleteRequest
	if err := decodeArgs("kv_delete", args, &req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.data, req.Key)
	s.mu.Unlock()
	return nil, nil
}

// Keys returns a sorted JSON array of keys.
func (s *KVStore) Keys(ctx context.Context, args []byte) ([]byte, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return json.Marshal(keys)
}
