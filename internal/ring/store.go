// Package ring tracks which members replicate each ring and where they live.
package ring

import (
	"sort"
	"sync"

	"github.com/devrev/amza/internal/config"
	"github.com/devrev/amza/internal/metrics"
	"github.com/devrev/amza/internal/model"
	"go.uber.org/zap"
)

// Reader is the read side of ring membership used by replication.
type Reader interface {
	RingMember() model.RingMember
	GetRing(ringName string) *Topology
	RingNames(member model.RingMember) []string
	GetRingHost(member model.RingMember) (model.RingHost, bool)
}

// Store keeps ring memberships and member hosts in memory. Statically configured
// rings are loaded at startup; gossip adds hosts and system ring members as nodes
// come and go.
type Store struct {
	root           model.RingMember
	takeFromFactor int
	metrics        *metrics.Metrics
	logger         *zap.Logger

	mu        sync.RWMutex
	version   int64
	members   map[string]map[model.RingMember]struct{}
	hosts     map[model.RingMember]model.RingHost
	rings     map[string]*Topology
	listeners []func(ringName string)
}

var _ Reader = (*Store)(nil)

// NewStore creates a store whose system ring contains only root.
func NewStore(root model.RingMember, rootHost model.RingHost, takeFromFactor int, m *metrics.Metrics, logger *zap.Logger) *Store {
	s := &Store{
		root:           root,
		takeFromFactor: takeFromFactor,
		metrics:        m,
		logger:         logger,
		members:        make(map[string]map[model.RingMember]struct{}),
		hosts:          map[model.RingMember]model.RingHost{root: rootHost},
		rings:          make(map[string]*Topology),
	}
	s.AddRingMember(model.SystemRingName, root)
	return s
}

func (s *Store) RingMember() model.RingMember {
	return s.root
}

// OnChange registers fn to be called with the ring name after every change.
func (s *Store) OnChange(fn func(ringName string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// rebuild makes a new snapshot of ringName. Callers hold mu.
func (s *Store) rebuild(ringName string) {
	s.version++
	members := make([]model.RingMember, 0, len(s.members[ringName]))
	for m := range s.members[ringName] {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	t := &Topology{RingName: ringName, Version: s.version, RootMemberIndex: -1, TakeFromFactor: s.takeFromFactor}
	for i, m := range members {
		host, ok := s.hosts[m]
		if !ok {
			host = model.UnknownRingHost
		}
		t.Entries = append(t.Entries, model.RingMemberAndHost{Member: m, Host: host})
		if m == s.root {
			t.RootMemberIndex = i
		}
	}
	s.rings[ringName] = t
	if s.metrics != nil {
		s.metrics.RingMembers.WithLabelValues(ringName).Set(float64(len(members)))
	}
}

func (s *Store) notify(ringNames []string) {
	s.mu.RLock()
	listeners := append([]func(string){}, s.listeners...)
	s.mu.RUnlock()
	for _, name := range ringNames {
		for _, fn := range listeners {
			fn(name)
		}
	}
}

// AddRingMember adds member to ringName. Adding to any ring also adds the member
// to the system ring.
func (s *Store) AddRingMember(ringName string, member model.RingMember) {
	var changed []string
	s.mu.Lock()
	for _, name := range []string{model.SystemRingName, ringName} {
		set, ok := s.members[name]
		if !ok {
			set = make(map[model.RingMember]struct{})
			s.members[name] = set
		}
		if _, ok := set[member]; ok {
			continue
		}
		set[member] = struct{}{}
		s.rebuild(name)
		changed = append(changed, name)
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.logger.Info("Added ring member", zap.String("ring", ringName), zap.String("member", member.String()))
		s.notify(changed)
	}
}

// RemoveRingMember removes member from ringName.
func (s *Store) RemoveRingMember(ringName string, member model.RingMember) {
	s.mu.Lock()
	set, ok := s.members[ringName]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := set[member]; !ok {
		s.mu.Unlock()
		return
	}
	delete(set, member)
	s.rebuild(ringName)
	s.mu.Unlock()

	s.logger.Info("Removed ring member", zap.String("ring", ringName), zap.String("member", member.String()))
	s.notify([]string{ringName})
}

// RegisterHost records where member can be reached and refreshes every ring that
// contains it.
func (s *Store) RegisterHost(member model.RingMember, host model.RingHost) {
	var changed []string
	s.mu.Lock()
	if existing, ok := s.hosts[member]; ok && existing == host {
		s.mu.Unlock()
		return
	}
	s.hosts[member] = host
	for name, set := range s.members {
		if _, ok := set[member]; ok {
			s.rebuild(name)
			changed = append(changed, name)
		}
	}
	s.mu.Unlock()
	s.notify(changed)
}

// GetRing returns the current snapshot of ringName. Unknown rings are empty.
func (s *Store) GetRing(ringName string) *Topology {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.rings[ringName]; ok {
		return t
	}
	return &Topology{RingName: ringName, RootMemberIndex: -1, TakeFromFactor: s.takeFromFactor}
}

// GetNeighboringRingMembers lists ringName's members other than the root.
func (s *Store) GetNeighboringRingMembers(ringName string) []model.RingMemberAndHost {
	return s.GetRing(ringName).Neighbors()
}

// IsMemberOfRing reports whether the root belongs to ringName.
func (s *Store) IsMemberOfRing(ringName string) bool {
	return s.GetRing(ringName).RootMemberIndex >= 0
}

func (s *Store) GetRingHost(member model.RingMember) (model.RingHost, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	host, ok := s.hosts[member]
	return host, ok
}

// RingNames lists the rings member belongs to, sorted.
func (s *Store) RingNames(member model.RingMember) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name, set := range s.members {
		if _, ok := set[member]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AllNeighbors is the union of the root's neighbours across its rings.
func (s *Store) AllNeighbors() []model.RingMemberAndHost {
	seen := make(map[model.RingMember]model.RingMemberAndHost)
	for _, name := range s.RingNames(s.root) {
		for _, n := range s.GetRing(name).Neighbors() {
			seen[n.Member] = n
		}
	}
	neighbors := make([]model.RingMemberAndHost, 0, len(seen))
	for _, n := range seen {
		neighbors = append(neighbors, n)
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Member < neighbors[j].Member })
	return neighbors
}

// LoadFromConfig adds statically configured rings and their hosts.
func (s *Store) LoadFromConfig(rings map[string][]config.RingMemberConfig) {
	names := make([]string, 0, len(rings))
	for name := range rings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, m := range rings[name] {
			member := model.RingMember(m.Member)
			if m.Host != "" {
				s.RegisterHost(member, model.RingHost{Host: m.Host, Port: m.Port})
			}
			s.AddRingMember(name, member)
		}
	}
}
