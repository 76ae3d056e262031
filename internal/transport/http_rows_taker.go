package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/devrev/amza/internal/model"
	"github.com/devrev/amza/internal/replication"
	"github.com/devrev/amza/internal/util/notify"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ClientConfig holds replication client configuration.
type ClientConfig struct {
	// RequestTimeout bounds one ack batch post.
	RequestTimeout time.Duration
	// FlushInterval paces ack batches per host.
	FlushInterval time.Duration
	// LongPollGrace is added to a long poll's timeout before the client gives up
	// on a silent server.
	LongPollGrace time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Millisecond
	}
	if c.LongPollGrace <= 0 {
		c.LongPollGrace = 5 * time.Second
	}
}

// NewHTTPClient builds the client shared by the replication clients. It sets no
// overall timeout since streams are bounded by their contexts.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func baseURL(host model.RingHost) string {
	return "http://" + host.String()
}

type rowsTakenKey struct {
	member    model.RingMember
	vpn       model.VersionedPartitionName
	sessionID int64
}

type pendingAcks struct {
	rowsTaken map[rowsTakenKey]RowsTakenPayload
	pongs     map[model.RingMember]PongPayload
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{
		rowsTaken: make(map[rowsTakenKey]RowsTakenPayload),
		pongs:     make(map[model.RingMember]PongPayload),
	}
}

// HTTPRowsTaker implements replication.RowsTaker over HTTP. Rows taken and
// pongs are queued per host and posted in batches by a single flusher; a later
// ack for the same partition and session replaces a queued one.
type HTTPRowsTaker struct {
	cfg       ClientConfig
	client    *http.Client
	localHost model.RingHost
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[model.RingHost]*pendingAcks
	queued  *notify.Signal
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHTTPRowsTaker creates a rows taker. localHost is sent with pongs.
func NewHTTPRowsTaker(cfg ClientConfig, client *http.Client, localHost model.RingHost, logger *zap.Logger) *HTTPRowsTaker {
	cfg.setDefaults()
	return &HTTPRowsTaker{
		cfg:       cfg,
		client:    client,
		localHost: localHost,
		logger:    logger,
		pending:   make(map[model.RingHost]*pendingAcks),
		queued:    notify.NewSignal(),
	}
}

// Start runs the flusher until Stop or ctx ends.
func (h *HTTPRowsTaker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	go func() {
		defer close(done)
		for {
			wake := h.queued.C()
			h.flush(ctx)
			if !notify.Wait(ctx, wake, time.Hour) {
				h.flush(context.Background())
				return
			}
			if !notify.Wait(ctx, nil, h.cfg.FlushInterval) {
				h.flush(context.Background())
				return
			}
		}
	}()
}

// Stop flushes what is queued and stops the flusher.
func (h *HTTPRowsTaker) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RowsStream implements replication.RowsTaker.
func (h *HTTPRowsTaker) RowsStream(ctx context.Context, req replication.TakeRequest, stream replication.RowStream) replication.StreamingRowsResult {
	u := fmt.Sprintf("%s/amza/rows/stream/%s/%s/%d/%d", baseURL(req.RemoteHost),
		url.PathEscape(req.Local.String()), req.VPN.ToBase64(), req.TxID, req.LeadershipToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return replication.StreamingRowsResult{Error: err}
	}
	httpReq.Header.Set(sharedKeyHeader, req.SharedKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return replication.StreamingRowsResult{Unreachable: amzaerrors.Unreachable(req.Remote.String(), err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return replication.StreamingRowsResult{Error: errorFromResponse(resp)}
	}

	trailer, err := NewStreamingTakesConsumer(resp.Body).Consume(func(txID int64, rowType model.RowType, data []byte) error {
		return stream.Row(ctx, txID, rowType, data)
	})
	if err != nil {
		return replication.StreamingRowsResult{Error: err, LeadershipToken: -1}
	}
	result := replication.StreamingRowsResult{
		LeadershipToken:  trailer.LeadershipToken,
		PartitionVersion: trailer.PartitionVersion,
	}
	if trailer.Online {
		result.OtherHighwaterMarks = trailer.Highwaters
	}
	return result
}

// RowsTaken implements replication.RowsTaker by queueing the ack.
func (h *HTTPRowsTaker) RowsTaken(ctx context.Context, req replication.TakeRequest) error {
	h.mu.Lock()
	p := h.pendingFor(req.RemoteHost)
	p.rowsTaken[rowsTakenKey{member: req.Local, vpn: req.VPN, sessionID: req.SessionID}] = RowsTakenPayload{
		Member:          req.Local.String(),
		SessionID:       req.SessionID,
		VPN:             req.VPN.ToBase64(),
		TxID:            req.TxID,
		LeadershipToken: req.LeadershipToken,
	}
	h.mu.Unlock()
	h.queued.Broadcast()
	return nil
}

// Pong implements replication.RowsTaker by queueing the pong.
func (h *HTTPRowsTaker) Pong(ctx context.Context, local, remote model.RingMember, remoteHost model.RingHost,
	sessionID int64, sharedKey string) error {
	h.mu.Lock()
	h.pendingFor(remoteHost).pongs[local] = PongPayload{
		Member:    local.String(),
		Host:      h.localHost.Host,
		Port:      h.localHost.Port,
		SessionID: sessionID,
		SharedKey: sharedKey,
	}
	h.mu.Unlock()
	h.queued.Broadcast()
	return nil
}

// pendingFor is called with h.mu held.
func (h *HTTPRowsTaker) pendingFor(host model.RingHost) *pendingAcks {
	p, ok := h.pending[host]
	if !ok {
		p = newPendingAcks()
		h.pending[host] = p
	}
	return p
}

func (h *HTTPRowsTaker) flush(ctx context.Context) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[model.RingHost]*pendingAcks)
	h.mu.Unlock()

	for host, p := range pending {
		batch := AckBatch{}
		for _, rt := range p.rowsTaken {
			batch.RowsTaken = append(batch.RowsTaken, rt)
		}
		for _, pong := range p.pongs {
			batch.Pongs = append(batch.Pongs, pong)
		}
		if err := h.post(ctx, host, batch); err != nil {
			// Acks are advisory. The remote offers again and the taker answers again.
			h.logger.Warn("Failed to flush ack batch",
				zap.String("host", host.String()),
				zap.Int("rows_taken", len(batch.RowsTaken)),
				zap.Int("pongs", len(batch.Pongs)),
				zap.Error(err))
		}
	}
}

func (h *HTTPRowsTaker) post(ctx context.Context, host model.RingHost, batch AckBatch) error {
	body, err := msgpack.Marshal(&batch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(host)+"/amza/ackBatch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeMsgpack)
	resp, err := h.client.Do(req)
	if err != nil {
		return amzaerrors.Unreachable(host.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errorFromResponse(resp)
	}
	return nil
}

// HTTPAvailableRowsTaker implements replication.AvailableRowsTaker over HTTP.
// Pings are answered through pongs.
type HTTPAvailableRowsTaker struct {
	cfg    ClientConfig
	client *http.Client
	pongs  replication.RowsTaker
	logger *zap.Logger
}

func NewHTTPAvailableRowsTaker(cfg ClientConfig, client *http.Client, pongs replication.RowsTaker, logger *zap.Logger) *HTTPAvailableRowsTaker {
	cfg.setDefaults()
	return &HTTPAvailableRowsTaker{cfg: cfg, client: client, pongs: pongs, logger: logger}
}

// AvailableRowsStream implements replication.AvailableRowsTaker. It returns nil
// when the server ends the long poll.
func (a *HTTPAvailableRowsTaker) AvailableRowsStream(ctx context.Context, req replication.AvailableRowsRequest,
	fn replication.AvailableStream) error {

	pollCtx, cancel := context.WithTimeout(ctx, req.Timeout+a.cfg.LongPollGrace)
	defer cancel()

	u := fmt.Sprintf("%s/amza/rows/available/%s/%s/%d/%d/%d", baseURL(req.RemoteHost),
		url.PathEscape(req.Local.String()), url.PathEscape(req.LocalHost.Host), req.LocalHost.Port,
		req.SessionID, req.Timeout.Milliseconds())
	httpReq, err := http.NewRequestWithContext(pollCtx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set(sharedKeyHeader, req.SharedKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return amzaerrors.Unreachable(req.Remote.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	err = ConsumeAvailableStream(resp.Body, fn, func() error {
		return a.pongs.Pong(ctx, req.Local, req.Remote, req.RemoteHost, req.SessionID, req.SharedKey)
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(pollCtx.Err(), context.DeadlineExceeded):
		a.logger.Debug("Long poll outlived its grace",
			zap.String("member", req.Remote.String()),
			zap.Int64("session_id", req.SessionID))
		return nil
	default:
		return err
	}
}
