package ingestion

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
)

// PriceSetter is implemented by feeds that accept pushed price updates.
type PriceSetter interface {
	SetPrice(price int64)
}

// Dispatcher drains the command channel, parses, deduplicates, and applies
// commands on the engine. It runs on a single goroutine and is the only
// caller of engine methods, which is what makes the engine's no-locking
// discipline sound.
type Dispatcher struct {
	engine      *core.Engine
	feeds       *oracle.Registry
	commandChan <-chan RawCommand
	routes      []route
	metrics     *observability.Metrics
	log         zerolog.Logger
}

// route maps a subject prefix to a command type. Prefixes come from the
// subject configs with the trailing ".>" wildcard stripped.
type route struct {
	prefix      string
	commandType string
}

func NewDispatcher(
	engine *core.Engine,
	feeds *oracle.Registry,
	commandChan <-chan RawCommand,
	subjects []SubjectConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Dispatcher {
	routes := make([]route, 0, len(subjects))
	for _, cfg := range subjects {
		routes = append(routes, route{
			prefix:      strings.TrimSuffix(cfg.Subject, ".>"),
			commandType: cfg.CommandType,
		})
	}
	return &Dispatcher{
		engine:      engine,
		feeds:       feeds,
		commandChan: commandChan,
		routes:      routes,
		metrics:     metrics,
		log:         log,
	}
}

// Run processes commands until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-d.commandChan:
			if !ok {
				return nil
			}
			d.Handle(raw)
		}
	}
}

// Handle processes one raw command to completion. Callers that multiplex
// other engine work (snapshots, shutdown) own the loop and must invoke
// Handle from a single goroutine.
func (d *Dispatcher) Handle(raw RawCommand) {
	rt, ok := d.routeFor(raw.Subject)
	if !ok {
		if d.metrics != nil {
			d.metrics.CommandsInvalid.WithLabelValues("unknown_subject").Inc()
		}
		d.log.Warn().Str("subject", raw.Subject).Msg("no route for subject")
		raw.AckFunc()
		return
	}

	if d.metrics != nil {
		d.metrics.NATSPullLatency.WithLabelValues(rt.prefix).Observe(time.Since(raw.Timestamp).Seconds())
	}

	cmd, err := ParseRawCommand(raw, rt.commandType)
	if err != nil {
		// Malformed payloads never parse on redelivery either; ACK so the
		// consumer does not spin on poison messages.
		if d.metrics != nil {
			d.metrics.CommandsInvalid.WithLabelValues("parse_error").Inc()
		}
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("command parse failed")
		raw.AckFunc()
		return
	}

	if d.metrics != nil {
		d.metrics.CommandsParsed.WithLabelValues(rt.commandType).Inc()
	}

	if pu, isPrice := cmd.(*PriceUpdateCommand); isPrice {
		d.applyPriceUpdate(pu)
		raw.AckFunc()
		return
	}

	opType := cmd.OpType().String()
	key := cmd.Key()

	if key != "" && d.engine.IsDuplicate(opType, key) {
		d.log.Debug().Str("op", opType).Str("key", key).Msg("duplicate command dropped")
		raw.AckFunc()
		return
	}

	if key != "" {
		d.engine.SetNextRef(key)
	}

	if err := d.apply(cmd); err != nil {
		// Engine rejections are deterministic; redelivering the same
		// command yields the same answer.
		d.engine.SetNextRef("")
		d.log.Warn().Err(err).Str("op", opType).Str("key", key).Msg("command rejected")
		raw.AckFunc()
		return
	}

	if key != "" {
		d.engine.MarkApplied(opType, key)
	}
	raw.AckFunc()
}

func (d *Dispatcher) routeFor(subject string) (route, bool) {
	for _, rt := range d.routes {
		if subject == rt.prefix || strings.HasPrefix(subject, rt.prefix+".") {
			return rt, true
		}
	}
	return route{}, false
}

func (d *Dispatcher) apply(cmd Command) error {
	switch c := cmd.(type) {
	case *CreateMarketCommand:
		_, err := d.engine.CreateMarket(c.Caller, c.Params)
		return err
	case *SupplyCommand:
		_, _, err := d.engine.Supply(c.Caller, c.MarketID, c.Amount, c.OnBehalf, nil)
		return err
	case *WithdrawCommand:
		_, _, err := d.engine.Withdraw(c.Caller, c.MarketID, c.Amount, c.OnBehalf, c.Receiver)
		return err
	case *BorrowCommand:
		_, _, err := d.engine.Borrow(c.Caller, c.MarketID, c.Amount, c.OnBehalf, c.Receiver)
		return err
	case *RepayCommand:
		_, _, err := d.engine.Repay(c.Caller, c.MarketID, c.Amount, c.OnBehalf, nil)
		return err
	case *SupplyCollateralCommand:
		return d.engine.SupplyCollateral(c.Caller, c.MarketID, c.Assets, c.OnBehalf, nil)
	case *WithdrawCollateralCommand:
		return d.engine.WithdrawCollateral(c.Caller, c.MarketID, c.Assets, c.OnBehalf, c.Receiver)
	case *LiquidateCommand:
		_, _, err := d.engine.Liquidate(c.Caller, c.MarketID, c.Borrower, c.SeizedAssets, c.RepaidShares, nil)
		return err
	case *AccrueInterestCommand:
		return d.engine.AccrueInterest(c.MarketID)
	case *SetFeeCommand:
		return d.engine.SetFee(c.Caller, c.MarketID, c.Fee)
	case *SetFeeRecipientCommand:
		return d.engine.SetFeeRecipient(c.Caller, c.Recipient)
	case *SetAuthorizationCommand:
		return d.engine.SetAuthorization(c.Caller, c.Operator, c.Authorized)
	case *DepositFundsCommand:
		return d.engine.DepositFunds(c.User, c.Asset, c.Amount)
	case *WithdrawFundsCommand:
		return d.engine.WithdrawFunds(c.User, c.Asset, c.Amount)
	default:
		d.log.Error().Str("op", cmd.OpType().String()).Msg("no handler for command")
		return nil
	}
}

func (d *Dispatcher) applyPriceUpdate(cmd *PriceUpdateCommand) {
	feed, ok := d.feeds.Resolve(cmd.Feed)
	if !ok {
		if d.metrics != nil {
			d.metrics.CommandsInvalid.WithLabelValues("unknown_feed").Inc()
		}
		d.log.Warn().Str("feed", cmd.Feed).Msg("price update for unknown feed")
		return
	}
	setter, ok := feed.(PriceSetter)
	if !ok {
		if d.metrics != nil {
			d.metrics.CommandsInvalid.WithLabelValues("feed_not_settable").Inc()
		}
		d.log.Warn().Str("feed", cmd.Feed).Msg("price feed does not accept pushed updates")
		return
	}
	setter.SetPrice(cmd.Price)
	d.log.Debug().Str("feed", cmd.Feed).Int64("price", cmd.Price).Msg("price updated")
}
