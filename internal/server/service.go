package server

import (
	"context"
	"encoding/json"
	"errors"

	"PerpSettle/internal/admin"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/query"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Submitter is the single-writer entry point; *ingestion.Processor.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (ingestion.Outcome, error)
}

// MarketRequest names a market.
type MarketRequest struct {
	MarketID string `json:"market_id"`
}

// AccountRequest selects an account, optionally a market, and a page.
type AccountRequest struct {
	Account        string `json:"account"`
	MarketID       string `json:"market_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type SettleResponse struct {
	Sequence   int64                  `json:"sequence"`
	Duplicate  bool                   `json:"duplicate"`
	Settlement *event.SettlementEvent `json:"settlement,omitempty"`
}

type AccountOperationResponse struct {
	Sequence  int64               `json:"sequence"`
	Duplicate bool                `json:"duplicate"`
	Event     *event.AccountEvent `json:"event,omitempty"`
}

type ConfigResponse struct {
	Sequence  int64                      `json:"sequence,omitempty"`
	Duplicate bool                       `json:"duplicate,omitempty"`
	Config    *event.MarketConfigPayload `json:"config,omitempty"`
}

type MarginResponse struct {
	Account          uuid.UUID  `json:"account"`
	MarketID         string     `json:"market_id"`
	MarkPrice        fpmath.Wad `json:"mark_price"`
	UnrealizedPnL    fpmath.Wad `json:"unrealized_pnl"`
	Equity           fpmath.Wad `json:"equity"`
	MarginRatio      fpmath.Wad `json:"margin_ratio"`
	BankruptcyPrice  fpmath.Wad `json:"bankruptcy_price"`
	UnderMaintenance bool       `json:"under_maintenance"`
	Underwater       bool       `json:"underwater"`
	Status           string     `json:"status"`
}

type JournalsResponse struct {
	Journals []query.JournalEntry `json:"journals"`
}

type FundingResponse struct {
	Payments []query.FundingPayment `json:"payments"`
}

// Service implements SettlementServer. Writes go through the Submitter so
// they serialize with the JetStream consumers; reads go straight to the
// engine, registry and query service.
type Service struct {
	submitter Submitter
	engine    *core.Engine
	registry  *admin.Registry
	query     *query.QueryService
}

func NewService(submitter Submitter, engine *core.Engine, registry *admin.Registry, qs *query.QueryService) *Service {
	return &Service{submitter: submitter, engine: engine, registry: registry, query: qs}
}

func (s *Service) Settle(ctx context.Context, in *json.RawMessage) (*SettleResponse, error) {
	evt, err := ingestion.ParseSettleRequest(*in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.submit(ctx, evt)
	if err != nil {
		return nil, err
	}
	resp := &SettleResponse{Sequence: out.Sequence, Duplicate: out.Duplicate}
	if res := out.Settlement; res != nil {
		var ts int64
		if res.Batch != nil {
			ts = res.Batch.Timestamp
		}
		ev := event.NewSettlementEvent(out.Sequence, res, ts)
		resp.Settlement = &ev
	}
	return resp, nil
}

func (s *Service) AccountOperation(ctx context.Context, in *json.RawMessage) (*AccountOperationResponse, error) {
	evt, err := ingestion.ParseAccountOperation(*in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.submit(ctx, evt)
	if err != nil {
		return nil, err
	}
	resp := &AccountOperationResponse{Sequence: out.Sequence, Duplicate: out.Duplicate}
	if out.Account != nil {
		ev := event.NewAccountEvent(out.Sequence, evt, out.Account)
		resp.Event = &ev
	}
	return resp, nil
}

func (s *Service) ApplyConfigCommand(ctx context.Context, in *json.RawMessage) (*ConfigResponse, error) {
	evt, err := ingestion.ParseConfigCommand(*in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.submit(ctx, evt)
	if err != nil {
		return nil, err
	}
	resp := &ConfigResponse{Sequence: out.Sequence, Duplicate: out.Duplicate}
	if out.Config != nil {
		payload := event.NewMarketConfigPayload(out.Config)
		resp.Config = &payload
	}
	return resp, nil
}

func (s *Service) GetMarketConfig(_ context.Context, req *MarketRequest) (*ConfigResponse, error) {
	cfg, err := s.registry.Get(req.MarketID)
	if err != nil {
		return nil, toStatus(err)
	}
	payload := event.NewMarketConfigPayload(cfg)
	return &ConfigResponse{Config: &payload}, nil
}

func (s *Service) EvaluateMargin(ctx context.Context, req *AccountRequest) (*MarginResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	cfg, err := s.registry.Get(req.MarketID)
	if err != nil {
		return nil, toStatus(err)
	}
	sum, err := s.engine.EvaluateMargin(ctx, cfg, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MarginResponse{
		Account:          account,
		MarketID:         cfg.MarketID,
		MarkPrice:        sum.MarkPrice,
		UnrealizedPnL:    sum.UnrealizedPnL,
		Equity:           sum.Equity,
		MarginRatio:      sum.MarginRatio,
		BankruptcyPrice:  sum.BankruptcyPrice,
		UnderMaintenance: sum.UnderMaintenance,
		Underwater:       sum.Underwater,
		Status:           sum.Status.String(),
	}, nil
}

func (s *Service) GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountView, error) {
	account, err := s.readable(req)
	if err != nil {
		return nil, err
	}
	view, err := s.query.GetAccount(ctx, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return view, nil
}

func (s *Service) ListJournals(ctx context.Context, req *AccountRequest) (*JournalsResponse, error) {
	account, err := s.readable(req)
	if err != nil {
		return nil, err
	}
	entries, err := s.query.ListJournals(ctx, account, pageSize(req.Limit, 100, 500), req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: entries}, nil
}

func (s *Service) ListFundingPayments(ctx context.Context, req *AccountRequest) (*FundingResponse, error) {
	account, err := s.readable(req)
	if err != nil {
		return nil, err
	}
	payments, err := s.query.ListFundingPayments(ctx, account, pageSize(req.Limit, 50, 100), req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &FundingResponse{Payments: payments}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *struct{}) (*query.IntegrityReport, error) {
	if s.query == nil {
		return nil, status.Error(codes.Unimplemented, "query service not configured")
	}
	report, err := s.query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *Service) submit(ctx context.Context, evt event.Event) (ingestion.Outcome, error) {
	out, err := s.submitter.Submit(ctx, evt)
	if err != nil {
		return out, status.FromContextError(err).Err()
	}
	if out.Err != nil {
		if out.Transient {
			return out, status.Error(codes.Unavailable, out.Err.Error())
		}
		return out, toStatus(out.Err)
	}
	return out, nil
}

func (s *Service) readable(req *AccountRequest) (uuid.UUID, error) {
	if s.query == nil {
		return uuid.Nil, status.Error(codes.Unimplemented, "query service not configured")
	}
	return parseAccount(req.Account)
}

func parseAccount(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "account is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account: %v", err)
	}
	return id, nil
}

func pageSize(n, def, max int) int {
	if n <= 0 || n > max {
		return def
	}
	return n
}

// toStatus maps settlement errors onto gRPC codes. The settlement code is
// kept as the message prefix.
func toStatus(err error) error {
	switch {
	case errors.Is(err, admin.ErrUnknownMarket), errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, admin.ErrUnknownCommand), errors.Is(err, state.ErrInvalidMarketConfig):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}

	switch core.KindOf(err) {
	case core.KindInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case core.KindUnauthorized:
		return status.Error(codes.PermissionDenied, err.Error())
	case core.KindInsufficientCollateral, core.KindPreconditionFailed:
		return status.Error(codes.FailedPrecondition, err.Error())
	case core.KindArithmetic:
		return status.Error(codes.OutOfRange, err.Error())
	case core.KindStateInvariantViolation:
		return status.Error(codes.Aborted, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
