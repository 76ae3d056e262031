package aquarium

import (
	"sync"

	"github.com/devrev/amza/internal/model"
)

// StateValue is one row of the waterline table.
type StateValue struct {
	State     State
	Timestamp int64
	Version   int64
}

// StateStorage holds the waterline table of one partition version. The row
// (root, root, current) is root's own waterline; (root, ack, current) is ack's
// acknowledgement of it.
type StateStorage interface {
	Get(root, ack model.RingMember, current bool) (StateValue, bool, error)
	Set(root, ack model.RingMember, current bool, v StateValue) error
}

// LivelinessStorage holds each member's lease expiry in unix millis.
type LivelinessStorage interface {
	GetAliveUntil(member model.RingMember) (int64, bool, error)
	SetAliveUntil(member model.RingMember, aliveUntil int64) error
}

type stateKey struct {
	root, ack model.RingMember
	current   bool
}

// MemoryStateStorage is a StateStorage in a map. Aquariums of different
// members sharing one instance behave as if the table were replicated.
type MemoryStateStorage struct {
	mu   sync.RWMutex
	rows map[stateKey]StateValue
}

func NewMemoryStateStorage() *MemoryStateStorage {
	return &MemoryStateStorage{rows: make(map[stateKey]StateValue)}
}

func (s *MemoryStateStorage) Get(root, ack model.RingMember, current bool) (StateValue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rows[stateKey{root, ack, current}]
	return v, ok, nil
}

func (s *MemoryStateStorage) Set(root, ack model.RingMember, current bool, v StateValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[stateKey{root, ack, current}] = v
	return nil
}

// MemoryLivelinessStorage is a LivelinessStorage in a map.
type MemoryLivelinessStorage struct {
	mu    sync.RWMutex
	until map[model.RingMember]int64
}

func NewMemoryLivelinessStorage() *MemoryLivelinessStorage {
	return &MemoryLivelinessStorage{until: make(map[model.RingMember]int64)}
}

func (s *MemoryLivelinessStorage) GetAliveUntil(member model.RingMember) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.until[member]
	return v, ok, nil
}

func (s *MemoryLivelinessStorage) SetAliveUntil(member model.RingMember, aliveUntil int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aliveUntil > s.until[member] {
		s.until[member] = aliveUntil
	}
	return nil
}
