package ring

import (
	"fmt"
	"time"

	"github.com/devrev/amza/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// NodeMeta is what each node publishes about itself over gossip.
type NodeMeta struct {
	Member string `msgpack:"member"`
	Host   string `msgpack:"host"`
	Port   int    `msgpack:"port"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindPort      int
	SeedNodes     []string
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
}

// GossipService keeps member hosts and system ring membership in sync with the
// memberlist cluster.
type GossipService struct {
	store      *Store
	meta       NodeMeta
	memberlist *memberlist.Memberlist
	logger     *zap.Logger
}

// NewGossipDelegate builds the service without starting memberlist.
func NewGossipDelegate(store *Store, self model.RingMemberAndHost, logger *zap.Logger) *GossipService {
	return &GossipService{
		store: store,
		meta: NodeMeta{
			Member: self.Member.String(),
			Host:   self.Host.Host,
			Port:   self.Host.Port,
		},
		logger: logger,
	}
}

// NewGossipService starts memberlist and joins the seed nodes.
func NewGossipService(cfg *GossipConfig, store *Store, self model.RingMemberAndHost, logger *zap.Logger) (*GossipService, error) {
	gs := NewGossipDelegate(store, self, logger)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = self.Member.String()
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = gs
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, err := msgpack.Marshal(s.meta)
	if err != nil || len(data) > limit {
		s.logger.Error("Node meta does not fit", zap.Int("limit", limit), zap.Error(err))
		return nil
	}
	return data
}

func (s *GossipService) NotifyMsg([]byte) {}

func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (s *GossipService) LocalState(join bool) []byte { return nil }

func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

func (s *GossipService) decode(node *memberlist.Node) (NodeMeta, bool) {
	var meta NodeMeta
	if len(node.Meta) == 0 {
		return meta, false
	}
	if err := msgpack.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("Failed to decode node meta", zap.String("node", node.Name), zap.Error(err))
		return meta, false
	}
	if meta.Member == "" {
		return meta, false
	}
	return meta, true
}

// NotifyJoin implements memberlist.EventDelegate
func (s *GossipService) NotifyJoin(node *memberlist.Node) {
	meta, ok := s.decode(node)
	if !ok {
		return
	}
	member := model.RingMember(meta.Member)
	s.store.RegisterHost(member, model.RingHost{Host: meta.Host, Port: meta.Port})
	s.store.AddRingMember(model.SystemRingName, member)
	s.logger.Info("Node joined", zap.String("member", meta.Member), zap.String("host", meta.Host))
}

// NotifyLeave implements memberlist.EventDelegate
func (s *GossipService) NotifyLeave(node *memberlist.Node) {
	meta, ok := s.decode(node)
	if !ok {
		return
	}
	member := model.RingMember(meta.Member)
	if member == s.store.RingMember() {
		return
	}
	s.store.RemoveRingMember(model.SystemRingName, member)
	s.logger.Info("Node left", zap.String("member", meta.Member))
}

// NotifyUpdate implements memberlist.EventDelegate
func (s *GossipService) NotifyUpdate(node *memberlist.Node) {
	meta, ok := s.decode(node)
	if !ok {
		return
	}
	s.store.RegisterHost(model.RingMember(meta.Member), model.RingHost{Host: meta.Host, Port: meta.Port})
}

// Members is the number of live gossip members, 0 when memberlist is not running.
func (s *GossipService) Members() int {
	if s.memberlist == nil {
		return 0
	}
	return s.memberlist.NumMembers()
}

// Shutdown leaves the cluster and stops memberlist.
func (s *GossipService) Shutdown(timeout time.Duration) error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}
