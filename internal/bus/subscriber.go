package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc/pool"

	"energymarket-sim/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout      = 10 * time.Second
	pingInterval      = 50 * time.Second
)

// MarketDispatcher applies one inbound bus request against a single
// market and returns the response envelope to publish back. Each call
// runs on the worker pool, contending for the market's own lock like any
// other caller, so external requests interleave with internal device
// actions but each completes atomically.
type MarketDispatcher interface {
	HandleOffer(ctx context.Context, args types.OfferRequestArgs) types.BusResponse
	HandleDeleteOffer(ctx context.Context, args types.DeleteOfferRequestArgs) types.BusResponse
	HandleAcceptOffer(ctx context.Context, args types.AcceptOfferRequestArgs) types.BusResponse
	HandleRecommendations(ctx context.Context, args types.RecommendationsRequestArgs) types.BusResponse
}

// Subscriber is a reconnecting external-bus client: it dials a single
// WebSocket endpoint, redials with backoff after a dropped connection
// (sending no subscribe message on connect), and dispatches each inbound
// request onto a bounded worker pool sized per config (default 10). When
// a connection ends, its outstanding workers are joined under one
// joinTimeout shared by the whole pool, not a timeout per worker;
// handlers still running when it expires are abandoned.
type Subscriber struct {
	url        string
	marketID   string
	dispatcher MarketDispatcher
	workers    int
	joinTimeout time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	logger *slog.Logger
}

// NewSubscriber builds a Subscriber for marketID against wsURL, sized to
// workers concurrent request handlers (0 defaults to 10) and a join
// timeout covering all outstanding workers together (0 defaults to 5s).
func NewSubscriber(wsURL, marketID string, dispatcher MarketDispatcher, workers int, joinTimeout time.Duration, logger *slog.Logger) *Subscriber {
	if workers <= 0 {
		workers = 10
	}
	if joinTimeout <= 0 {
		joinTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		url:         wsURL,
		marketID:    marketID,
		dispatcher:  dispatcher,
		workers:     workers,
		joinTimeout: joinTimeout,
		logger:      logger.With("component", "bus-subscriber", "market_id", marketID),
	}
}

// Run connects and maintains the connection with exponential backoff
// (1s, capped at 30s) until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("bus connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Subscriber) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.logger.Info("bus connected")

	workerPool := pool.New().WithMaxGoroutines(s.workers)
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer func() {
		pingCancel()
		s.stopAndJoin(workerPool)
	}()
	go s.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(ctx, workerPool, conn, msg)
	}
}

// stopAndJoin joins all outstanding worker goroutines, bounded by
// joinTimeout — a slow handler is abandoned rather than blocking
// shutdown indefinitely.
func (s *Subscriber) stopAndJoin(workerPool *pool.Pool) {
	done := make(chan struct{})
	go func() {
		workerPool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.joinTimeout):
		s.logger.Warn("worker pool join timed out, abandoning outstanding handlers")
	}
}

func (s *Subscriber) dispatch(ctx context.Context, workerPool *pool.Pool, conn *websocket.Conn, msg []byte) {
	var envelope struct {
		Channel types.Channel   `json:"channel"`
		Request types.BusRequest `json:"request"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		s.logger.Debug("ignoring non-json bus message", "data", string(msg))
		return
	}

	workerPool.Go(func() {
		response := s.handle(ctx, envelope.Channel, envelope.Request)
		s.reply(conn, envelope.Channel, response)
	})
}

// handle dispatches a single request to the matching handler, catching
// any panic and converting it to an error response so one bad request
// never brings down the subscriber.
func (s *Subscriber) handle(ctx context.Context, channel types.Channel, req types.BusRequest) (response types.BusResponse) {
	defer func() {
		if r := recover(); r != nil {
			response = types.BusResponse{Status: types.StatusError, TransactionUUID: req.TransactionUUID, ErrorMessage: fmt.Sprintf("panic: %v", r)}
		}
	}()

	switch channel {
	case types.ChannelOffer:
		var args types.OfferRequestArgs
		if err := json.Unmarshal([]byte(req.Data), &args); err != nil {
			return errorResponse(req.TransactionUUID, err)
		}
		return s.dispatcher.HandleOffer(ctx, args)
	case types.ChannelDeleteOffer:
		var args types.DeleteOfferRequestArgs
		if err := json.Unmarshal([]byte(req.Data), &args); err != nil {
			return errorResponse(req.TransactionUUID, err)
		}
		return s.dispatcher.HandleDeleteOffer(ctx, args)
	case types.ChannelAcceptOffer:
		var args types.AcceptOfferRequestArgs
		if err := json.Unmarshal([]byte(req.Data), &args); err != nil {
			return errorResponse(req.TransactionUUID, err)
		}
		return s.dispatcher.HandleAcceptOffer(ctx, args)
	case types.ChannelMatchRecommendations:
		var args types.RecommendationsRequestArgs
		if err := json.Unmarshal([]byte(req.Data), &args); err != nil {
			return errorResponse(req.TransactionUUID, err)
		}
		return s.dispatcher.HandleRecommendations(ctx, args)
	default:
		return errorResponse(req.TransactionUUID, fmt.Errorf("unknown channel %q", channel))
	}
}

func errorResponse(transactionUUID string, err error) types.BusResponse {
	return types.BusResponse{Status: types.StatusError, TransactionUUID: transactionUUID, ErrorMessage: err.Error(), Exception: fmt.Sprintf("%T", err)}
}

func (s *Subscriber) reply(conn *websocket.Conn, channel types.Channel, response types.BusResponse) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(struct {
		Channel  types.Channel     `json:"channel"`
		Response types.BusResponse `json:"response"`
	}{Channel: channel, Response: response}); err != nil {
		s.logger.Error("failed to publish response", "error", err)
	}
}

// PublishSnapshot sends snapshot to the connected external matcher on
// the match_snapshot channel. It is a no-op (not an error) while the
// connection is down between reconnect attempts — the matcher picks up
// the next tick's snapshot once it's back.
func (s *Subscriber) PublishSnapshot(snapshot types.MarketSnapshotWire) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(struct {
		Channel  types.Channel           `json:"channel"`
		Snapshot types.MarketSnapshotWire `json:"snapshot"`
	}{Channel: types.ChannelMatchSnapshot, Snapshot: snapshot})
}

func (s *Subscriber) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.connMu.Unlock()
			if err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
