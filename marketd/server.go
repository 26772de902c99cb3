package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/agentmarket/market"
	"github.com/cloudx-io/agentmarket/marketapi"
)

// maxRequestBytes bounds a single request body.
const maxRequestBytes = 1 << 20

// MarketServer accepts one JSON request per connection and answers with one
// JSON response.
type MarketServer struct {
	coord       *market.Coordinator
	logger      zerolog.Logger
	maxWorkers  int
	readTimeout time.Duration
	now         func() time.Time

	keys        *KeyManager
	keyAttester EnclaveAttester

	wg sync.WaitGroup
}

// ServerOption configures optional MarketServer features.
type ServerOption func(*MarketServer)

// WithKeyManager enables key_request and sealed bid submission.
func WithKeyManager(km *KeyManager) ServerOption {
	return func(s *MarketServer) { s.keys = km }
}

// WithKeyAttester attests the public key returned by key_request.
func WithKeyAttester(a EnclaveAttester) ServerOption {
	return func(s *MarketServer) { s.keyAttester = a }
}

func NewMarketServer(coord *market.Coordinator, logger zerolog.Logger, maxWorkers int, readTimeout time.Duration, opts ...ServerOption) *MarketServer {
	s := &MarketServer{
		coord:       coord,
		logger:      logger,
		maxWorkers:  maxWorkers,
		readTimeout: readTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// listen opens the vsock listener when a port is configured, TCP otherwise.
func listen(cfg Config) (net.Listener, error) {
	if cfg.VsockPort > 0 {
		ln, err := vsock.Listen(cfg.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create vsock listener: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to create tcp listener: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is done or the listener fails, then
// waits for in-flight connections.
func (s *MarketServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("failed to close listener")
		}
	}()
	defer s.wg.Wait()

	s.logger.Info().Str("addr", ln.Addr().String()).Int("max_workers", s.maxWorkers).Msg("market server listening")
	semaphore := make(chan struct{}, s.maxWorkers)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		// Acquire worker slot; reject immediately when the pool is full.
		select {
		case semaphore <- struct{}{}:
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer func() { <-semaphore }()
				s.handleConnection(ctx, c)
			}(conn)
		default:
			s.logger.Warn().Msg("no workers available, rejecting connection")
			if err := conn.Close(); err != nil {
				s.logger.Error().Err(err).Msg("failed to close rejected connection")
			}
		}
	}
}

func (s *MarketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("panic recovered in connection handler")
		}
		if err := conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("failed to close connection")
		}
	}()

	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(s.now().Add(s.readTimeout))
	}

	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestBytes)).Decode(&raw); err != nil {
		s.logger.Warn().Err(err).Msg("failed to read request")
		s.respond(conn, "", marketapi.ErrorResponse("bad_request", fmt.Sprintf("failed to decode request: %v", err)))
		return
	}

	start := s.now()
	resp := s.Handle(ctx, raw)
	resp.ProcessingTimeMS = s.now().Sub(start).Milliseconds()
	s.respond(conn, resp.Type, resp)
}

func (s *MarketServer) respond(conn net.Conn, reqType string, resp marketapi.Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Error().Err(err).Str("request_type", reqType).Msg("failed to encode response")
		return
	}
	s.logger.Debug().Str("request_type", reqType).Bool("accepted", resp.Accepted).Msg("sent response")
}

// Handle decodes one request and dispatches it to the coordinator.
func (s *MarketServer) Handle(ctx context.Context, raw []byte) marketapi.Response {
	var req marketapi.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return marketapi.ErrorResponse("bad_request", fmt.Sprintf("failed to decode request: %v", err))
	}
	s.logger.Info().Str("request_type", req.Type).Msg("received request")

	switch req.Type {
	case marketapi.RequestPing:
		return marketapi.Response{
			Type:      marketapi.ResponsePong,
			Accepted:  true,
			Message:   "market server is healthy",
			Timestamp: s.now().Unix(),
		}

	case marketapi.RequestKey:
		if s.keys == nil {
			return marketapi.ErrorResponse("sealed_bids_disabled", "market key not configured")
		}
		resp, err := keyResponse(s.keys, s.keyAttester)
		if err != nil {
			s.logger.Error().Err(err).Msg("key request failed")
			return marketapi.ErrorResponse("internal_error", fmt.Sprintf("Key request failed: %v", err))
		}
		return resp

	case marketapi.RequestSubmitBid:
		bid := req.Bid
		if req.SealedBid != nil {
			if s.keys == nil {
				return marketapi.ErrorResponse("sealed_bids_disabled", "market key not configured")
			}
			opened, err := s.keys.OpenSealedBid(req.SealedBid)
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to open sealed bid")
				return marketapi.ErrorResponse("bad_request", err.Error())
			}
			bid = opened
		}
		res := s.coord.CreateBid(ctx, bid)
		resp := fromResult(req.Type, res.Result)
		resp.Bid, resp.Matches, resp.Transactions = res.Bid, res.Matches, res.Transactions
		return resp

	case marketapi.RequestConfirmMatch:
		res := s.coord.ConfirmMatch(ctx, req.MatchID, req.AgentID, req.Signature)
		resp := fromResult(req.Type, res.Result)
		resp.Match, resp.Transaction = res.Match, res.Transaction
		return resp

	case marketapi.RequestCancelBid:
		resp := fromResult(req.Type, s.coord.CancelBid(ctx, req.BidID, req.AgentID, req.Reason))
		if b, ok := s.coord.Bid(req.BidID); ok && resp.Accepted {
			resp.Bid = b
		}
		return resp

	case marketapi.RequestCreateAuction:
		if req.Auction == nil {
			return marketapi.ErrorResponse("bad_request", "auction config is required")
		}
		return fromAuction(req.Type, s.coord.CreateAuction(ctx, *req.Auction))

	case marketapi.RequestStartAuction:
		return fromAuction(req.Type, s.coord.StartAuction(ctx, req.AuctionID))

	case marketapi.RequestEndAuction:
		return fromAuction(req.Type, s.coord.EndAuction(ctx, req.AuctionID))

	case marketapi.RequestGetBid:
		b, ok := s.coord.Bid(req.BidID)
		if !ok {
			return notFound(req.Type, market.CodeBidNotFound, req.BidID)
		}
		resp := marketapi.Response{Type: req.Type, Accepted: true, Bid: b}
		if m, ok := s.coord.MatchForBid(req.BidID); ok {
			resp.Match = m
		}
		return resp

	case marketapi.RequestGetTransaction:
		tx, ok := s.coord.Transaction(req.TransactionID)
		if !ok {
			return notFound(req.Type, market.CodeTransactionNotFound, req.TransactionID)
		}
		return marketapi.Response{Type: req.Type, Accepted: true, Transaction: tx}

	case marketapi.RequestFeedback:
		resp := fromResult(req.Type, s.coord.RecordFeedback(ctx, req.TransactionID, req.AgentID, req.Feedback, req.Performance))
		if tx, ok := s.coord.Transaction(req.TransactionID); ok && resp.Accepted {
			resp.Transaction = tx
		}
		return resp

	default:
		return marketapi.ErrorResponse("unknown_request", fmt.Sprintf("Unknown request type: %s", req.Type))
	}
}

func fromResult(reqType string, r market.Result) marketapi.Response {
	return marketapi.Response{
		Type:     reqType,
		Accepted: r.Accepted,
		Error:    string(r.Code),
		Message:  r.Message,
		Details:  r.Details,
	}
}

func fromAuction(reqType string, r market.AuctionResult) marketapi.Response {
	resp := fromResult(reqType, r.Result)
	resp.Auction = r.Auction
	resp.Matches = r.Matches
	resp.Transactions = r.Transactions
	resp.Expired = r.Expired
	return resp
}

func notFound(reqType string, code market.ErrorCode, id string) marketapi.Response {
	return marketapi.Response{Type: reqType, Error: string(code), Message: fmt.Sprintf("%s: %s", code, id)}
}
