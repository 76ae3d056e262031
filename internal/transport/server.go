// Package transport serves the take protocol and the client API over HTTP and
// implements the replication clients that talk to other members.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/service"
	"github.com/devrev/amza/internal/storage/delta"
	"github.com/devrev/amza/internal/take"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const replicationPrefix = "/amza/rows"

func isReplicationPath(path string) bool {
	return strings.HasPrefix(path, replicationPrefix) || path == "/amza/ackBatch"
}

// Replicator is the serving side of the take protocol.
type Replicator interface {
	RowsStream(remote model.RingMember, vpn model.VersionedPartitionName, txID int64,
		fn func(delta.TakenRow) (bool, error)) (service.RowsStreamInfo, error)
	RowsTaken(remote model.RingMember, sessionID int64, vpn model.VersionedPartitionName, txID, leadershipToken int64)
	AvailableRowsStream(ctx context.Context, remote model.RingMember, remoteHost model.RingHost, sessionID int64,
		heartbeat time.Duration, offer take.OfferFunc, deliver, ping func() error) error
	Pong(remote model.RingMember, remoteHost model.RingHost, sessionID int64)
}

// Partitions is the client API served as JSON.
type Partitions interface {
	CreatePartitionIfAbsent(name model.PartitionName, props model.PartitionProperties) (model.VersionedPartitionName, error)
	DestroyPartition(name model.PartitionName) error
	Commit(ctx context.Context, name model.PartitionName, prefix []byte, updates []service.Update,
		takeQuorum int, timeout time.Duration) (int64, error)
	GetValue(name model.PartitionName, prefix, key []byte) (model.WALValue, bool, error)
	Scan(name model.PartitionName, fromPrefix, fromKey, toPrefix, toKey []byte, fn func(delta.Row) (bool, error)) error
	Count(name model.PartitionName) (int, error)
	HighestTxID(name model.PartitionName) (int64, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestsPerSec float64
	RequestBurst   int
	// Heartbeat is how often an idle available rows stream is pinged.
	Heartbeat time.Duration
	// MaxLongPoll caps the timeout a taker may ask for.
	MaxLongPoll time.Duration
}

// Server is the HTTP server of one member.
type Server struct {
	cfg          Config
	router       *mux.Router
	httpServer   *http.Server
	replicator   Replicator
	partitions   Partitions
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config, replicator Replicator, partitions Partitions, logger *zap.Logger) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Second
	}
	if cfg.MaxLongPoll <= 0 {
		cfg.MaxLongPoll = 5 * time.Minute
	}
	router := mux.NewRouter()
	s := &Server{
		cfg:          cfg,
		router:       router,
		replicator:   replicator,
		partitions:   partitions,
		errorHandler: NewErrorHandler(logger),
		logger:       logger,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * time.Minute,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := Chain(RequestID, Logging(s.logger), Recovery(s.errorHandler, s.logger))
	s.router.Use(func(next http.Handler) http.Handler { return chain(next) })

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)

	rows := s.router.PathPrefix(replicationPrefix).Subrouter()
	rows.HandleFunc("/stream/{member}/{vpn}/{txId}/{leadershipToken}", s.rowsStream).Methods(http.MethodPost)
	rows.HandleFunc("/available/{member}/{host}/{port}/{sessionId}/{timeout}", s.availableRowsStream).Methods(http.MethodPost)
	s.router.HandleFunc("/amza/ackBatch", s.ackBatch).Methods(http.MethodPost)

	v1 := s.router.PathPrefix("/amza/v1").Subrouter()
	if s.cfg.RequestsPerSec > 0 {
		v1.Use(NewRingLimiter(s.cfg.RequestsPerSec, s.cfg.RequestBurst, s.errorHandler, s.logger).Limit)
	}
	v1.HandleFunc("/{ring}/{partition}", s.createPartition).Methods(http.MethodPut)
	v1.HandleFunc("/{ring}/{partition}", s.destroyPartition).Methods(http.MethodDelete)
	v1.HandleFunc("/{ring}/{partition}", s.partitionStats).Methods(http.MethodGet)
	v1.HandleFunc("/{ring}/{partition}/commit", s.commit).Methods(http.MethodPost)
	v1.HandleFunc("/{ring}/{partition}/scan", s.scan).Methods(http.MethodGet)
	v1.HandleFunc("/{ring}/{partition}/{prefix}/{key}", s.get).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, ErrorResponse{
			ErrorCode: "NotFound", Message: "endpoint not found", RequestID: r.Header.Get(requestIDHeader),
		})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, ErrorResponse{
			ErrorCode: "MethodNotAllowed", Message: "method not allowed", RequestID: r.Header.Get(requestIDHeader),
		})
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
