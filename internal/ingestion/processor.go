package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpSettle/internal/admin"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/state"

	"github.com/rs/zerolog"
)

// Checkpointer persists the tip of the settlement hash chain so a restart
// continues the chain instead of starting a new one.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, sequence int64, stateHash [32]byte) error
}

// Outcome is what happened to one inbound event.
type Outcome struct {
	Sequence  int64
	Duplicate bool
	// Applied is false for stale feed updates and self-trades.
	Applied    bool
	Settlement *core.SettlementResult
	Account    *core.AccountOpResult
	Config     *state.MarketConfig
	Err        error
	// Transient errors are infrastructure failures; the message is NAKed
	// and redelivered. Everything else is acked.
	Transient bool
}

type submission struct {
	evt   event.Event
	reply chan Outcome
}

// Processor is the single writer. Every state-changing event, whether it
// arrives from JetStream or from a gRPC call, is applied by the Run
// goroutine in arrival order.
type Processor struct {
	engine       *core.Engine
	registry     *admin.Registry
	feeds        *state.Feeds
	dedup        *core.IdempotencyChecker
	publisher    Publisher
	checkpointer Checkpointer

	subjects []SubjectConfig
	sequence int64
	submitCh chan submission

	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type ProcessorOption func(*Processor)

// WithStartSequence resumes outbound sequencing after a restart.
func WithStartSequence(seq int64) ProcessorOption {
	return func(p *Processor) { p.sequence = seq }
}

func WithCheckpointer(c Checkpointer) ProcessorOption {
	return func(p *Processor) { p.checkpointer = c }
}

func WithProcessorMetrics(m *observability.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func WithProcessorLogger(l zerolog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(
	engine *core.Engine,
	registry *admin.Registry,
	feeds *state.Feeds,
	dedup *core.IdempotencyChecker,
	publisher Publisher,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		engine:    engine,
		registry:  registry,
		feeds:     feeds,
		dedup:     dedup,
		publisher: publisher,
		subjects:  DefaultSubjects(),
		submitCh:  make(chan submission, 256),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sequence returns the last assigned sequence. Only meaningful from the
// Run goroutine or after Run returned.
func (p *Processor) Sequence() int64 {
	return p.sequence
}

// Run drains inbound messages and submissions until ctx is cancelled or
// rawChan is closed.
func (p *Processor) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			p.handleRaw(ctx, raw)

		case sub := <-p.submitCh:
			sub.reply <- p.process(ctx, sub.evt)
		}
	}
}

// Submit hands evt to the Run goroutine and waits for its outcome.
func (p *Processor) Submit(ctx context.Context, evt event.Event) (Outcome, error) {
	sub := submission{evt: evt, reply: make(chan Outcome, 1)}
	select {
	case p.submitCh <- sub:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	select {
	case out := <-sub.reply:
		return out, nil
	case <-ctx.Done():
		// the event may still be applied; the caller retries with the same id
		return Outcome{}, ctx.Err()
	}
}

func (p *Processor) handleRaw(ctx context.Context, raw RawEvent) {
	eventType := raw.EventType
	if eventType == "" {
		eventType = ResolveEventType(raw.Subject, p.subjects)
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		// unparseable messages are acked so they don't loop through redelivery
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		p.recordIngest(raw.Subject, "invalid")
		ack(raw)
		return
	}

	out := p.process(ctx, evt)
	switch {
	case out.Transient:
		p.recordIngest(raw.Subject, "retry")
		nak(raw)
		return
	case out.Duplicate:
		p.recordIngest(raw.Subject, "duplicate")
	case out.Err != nil:
		p.recordIngest(raw.Subject, "rejected")
	case !out.Applied:
		p.recordIngest(raw.Subject, "ignored")
	default:
		p.recordIngest(raw.Subject, "applied")
	}
	ack(raw)
}

func (p *Processor) process(ctx context.Context, evt event.Event) Outcome {
	switch e := evt.(type) {
	case *event.SettleRequested:
		return p.settle(ctx, e)
	case *event.MarkPriceUpdate:
		return p.markPrice(e)
	case *event.FundingIndexUpdate:
		return p.fundingIndex(e)
	case *event.AccountOperation:
		return p.accountOp(ctx, e)
	case *event.ConfigCommand:
		return p.configCommand(ctx, e)
	default:
		return Outcome{Err: fmt.Errorf("unsupported event type %s", evt.EventType())}
	}
}

func (p *Processor) settle(ctx context.Context, e *event.SettleRequested) Outcome {
	req := e.Request
	dup, err := p.dedup.IsDuplicate(ctx, req.TradeID)
	if err != nil {
		return Outcome{Err: fmt.Errorf("dedup %s: %w", req.TradeID, err), Transient: true}
	}
	if dup {
		p.logger.Debug().Str("trade_id", req.TradeID.String()).Msg("duplicate settle request")
		return Outcome{Duplicate: true}
	}

	cfg, err := p.registry.Get(req.MarketID)
	if err != nil {
		seq := p.nextSequence()
		p.publish(ctx, KindRejected, e.IdempotencyKey(), req.MarketID, event.NewSettlementRejected(seq, req, err))
		return Outcome{Sequence: seq, Err: err}
	}

	seq := p.nextSequence()
	req.Sequence = seq
	if req.Timestamp == 0 {
		req.Timestamp = p.now().UnixMicro()
	}

	res, err := p.engine.Settle(ctx, cfg, req)
	if err != nil {
		if !core.IsRejection(err) {
			p.sequence--
			return Outcome{Err: err, Transient: true}
		}
		p.publish(ctx, KindRejected, e.IdempotencyKey(), req.MarketID, event.NewSettlementRejected(seq, req, err))
		return Outcome{Sequence: seq, Err: err}
	}

	if res.NoOp {
		// self-trade: nothing committed, nothing published, no sequence consumed
		p.sequence--
		p.logger.Debug().Str("trade_id", req.TradeID.String()).Msg("self-trade ignored")
		return Outcome{}
	}

	p.dedup.MarkProcessed(req.TradeID)
	if p.checkpointer != nil {
		if err := p.checkpointer.SaveCheckpoint(ctx, seq, res.StateHash); err != nil {
			p.logger.Warn().Err(err).Int64("seq", seq).Msg("save checkpoint failed")
		}
	}
	p.publish(ctx, KindSettled, e.IdempotencyKey(), req.MarketID, event.NewSettlementEvent(seq, res, req.Timestamp))
	return Outcome{Sequence: seq, Applied: true, Settlement: res}
}

func (p *Processor) markPrice(e *event.MarkPriceUpdate) Outcome {
	applied, err := p.feeds.UpdateMarkPrice(e.MarketID, e.MarkPrice, e.PriceSequence, e.PriceTimestamp)
	switch {
	case err != nil:
		p.recordFeed("mark_price", "invalid")
		return Outcome{Err: err}
	case !applied:
		p.recordFeed("mark_price", "stale")
		return Outcome{Duplicate: true}
	}
	p.recordFeed("mark_price", "applied")
	return Outcome{Applied: true}
}

func (p *Processor) fundingIndex(e *event.FundingIndexUpdate) Outcome {
	if !p.feeds.UpdateFundingIndex(e.MarketID, e.Index, e.IndexSequence, e.IndexTimestamp) {
		p.recordFeed("funding_index", "stale")
		return Outcome{Duplicate: true}
	}
	p.recordFeed("funding_index", "applied")
	return Outcome{Applied: true}
}

func (p *Processor) accountOp(ctx context.Context, e *event.AccountOperation) Outcome {
	// commit under the op-qualified key so the trades table dedups it too
	op := e.Request
	op.Ref = e.IdempotencyKey()
	id := ledger.RefID(op.Ref)
	dup, err := p.dedup.IsDuplicate(ctx, id)
	if err != nil {
		return Outcome{Err: fmt.Errorf("dedup %s: %w", e.IdempotencyKey(), err), Transient: true}
	}
	if dup {
		return Outcome{Duplicate: true}
	}

	seq := p.nextSequence()
	op.Sequence = seq
	if op.Timestamp == 0 {
		op.Timestamp = p.now().UnixMicro()
	}

	var res *core.AccountOpResult
	switch e.Op {
	case event.AccountOpDeposit:
		res, err = p.engine.Deposit(ctx, op)
	case event.AccountOpWithdraw:
		res, err = p.engine.Withdraw(ctx, op)
	case event.AccountOpAddMargin, event.AccountOpRemoveMargin:
		var cfg *state.MarketConfig
		if cfg, err = p.registry.Get(op.MarketID); err != nil {
			break
		}
		if e.Op == event.AccountOpAddMargin {
			res, err = p.engine.AddMargin(ctx, cfg, op)
		} else {
			res, err = p.engine.RemoveMargin(ctx, cfg, op)
		}
	default:
		err = fmt.Errorf("unsupported account operation %s", e.Op)
	}
	if err != nil {
		if errors.Is(err, admin.ErrUnknownMarket) || core.IsRejection(err) {
			p.logger.Debug().Err(err).Str("op", e.Op.String()).Str("ref", op.Ref).Msg("account operation rejected")
			return Outcome{Sequence: seq, Err: err}
		}
		p.sequence--
		return Outcome{Err: err, Transient: true}
	}

	p.dedup.MarkProcessed(id)
	p.publish(ctx, KindAccount, e.IdempotencyKey(), op.MarketID, event.NewAccountEvent(seq, e, res))
	return Outcome{Sequence: seq, Applied: true, Account: res}
}

func (p *Processor) configCommand(ctx context.Context, e *event.ConfigCommand) Outcome {
	dup, err := p.dedup.IsDuplicate(ctx, e.CommandID)
	if err != nil {
		return Outcome{Err: err, Transient: true}
	}
	if dup {
		return Outcome{Duplicate: true}
	}

	cfg, err := p.registry.Apply(e.Caller, e.MarketID, e.Command)
	if err != nil {
		return Outcome{Err: err}
	}
	p.dedup.MarkProcessed(e.CommandID)
	seq := p.nextSequence()
	p.publish(ctx, KindConfig, e.IdempotencyKey(), e.MarketID, event.NewConfigEvent(seq, e, cfg))
	return Outcome{Sequence: seq, Applied: true, Config: cfg}
}

func (p *Processor) publish(ctx context.Context, kind, key, marketID string, payload interface{}) {
	if p.publisher == nil {
		return
	}
	err := p.publisher.Publish(ctx, PublishableEvent{
		Sequence:       p.sequence,
		Kind:           kind,
		IdempotencyKey: key,
		MarketID:       marketID,
		Payload:        payload,
		Timestamp:      p.now(),
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("kind", kind).Str("key", key).Msg("publish failed")
	}
}

func (p *Processor) nextSequence() int64 {
	p.sequence++
	return p.sequence
}

func (p *Processor) recordIngest(subject, outcome string) {
	if p.metrics != nil {
		p.metrics.IngestMessages.WithLabelValues(subject, outcome).Inc()
	}
}

func (p *Processor) recordFeed(feed, outcome string) {
	if p.metrics != nil {
		p.metrics.FeedUpdates.WithLabelValues(feed, outcome).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
