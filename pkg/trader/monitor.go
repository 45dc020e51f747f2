package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/ltvbot/pkg/binance"
	"github.com/gregtusar/ltvbot/pkg/models"
	"github.com/gregtusar/ltvbot/pkg/rebalancer"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Exchange supplies loan snapshots and applies collateral adjustments.
type Exchange interface {
	GetLoanPositions(ctx context.Context) ([]models.LoanPosition, error)
	AdjustCollateral(ctx context.Context, req models.AdjustmentRequest) (*models.Adjustment, error)
}

// Swapper converts collateral between assets.
type Swapper interface {
	Swap(ctx context.Context, from, to string, amount decimal.Decimal) (*models.SwapResult, error)
	CompleteBuy(ctx context.Context, pf *PartialSwapFailure) (*models.SwapResult, error)
}

type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

type Options struct {
	Interval         time.Duration
	Policy           rebalancer.Config
	DryRun           bool
	RetryStrandedBuy bool
	// MaxAuthFailures consecutive cycles with an authentication failure stop
	// the loop. Zero disables the check.
	MaxAuthFailures int
}

type DecisionOutcome struct {
	Kind     models.DecisionKind `json:"kind"`
	Detail   string              `json:"detail"`
	Executed bool                `json:"executed"`
	Error    string              `json:"error,omitempty"`
}

type CycleReport struct {
	Started   time.Time             `json:"started"`
	Duration  time.Duration         `json:"duration"`
	Skipped   bool                  `json:"skipped,omitempty"`
	Positions []models.LoanPosition `json:"positions"`
	Decisions []DecisionOutcome     `json:"decisions"`
	Error     string                `json:"error,omitempty"`
}

// Monitor runs fetch, decide and act cycles one at a time.
type Monitor struct {
	exchange Exchange
	swapper  Swapper
	opts     Options
	logger   *logrus.Logger

	state        atomic.Int32
	paused       atomic.Bool
	authFailures int

	mu          sync.RWMutex
	last        *CycleReport
	subscribers map[int]chan CycleReport
	nextSubID   int
}

func NewMonitor(exchange Exchange, swapper Swapper, opts Options, logger *logrus.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Monitor{
		exchange:    exchange,
		swapper:     swapper,
		opts:        opts,
		logger:      logger,
		subscribers: make(map[int]chan CycleReport),
	}
}

// Run executes a cycle immediately and then once per interval, measured
// between cycle starts, until ctx is cancelled. It only returns an error when
// authentication keeps failing.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.WithFields(logrus.Fields{
		"interval": m.opts.Interval,
		"dry_run":  m.opts.DryRun,
	}).Info("Starting loan monitor")

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			m.logger.Info("Loan monitor stopped")
			return nil
		}

		m.RunCycle(ctx)

		if m.opts.MaxAuthFailures > 0 && m.authFailures >= m.opts.MaxAuthFailures {
			m.logger.WithField("consecutive_failures", m.authFailures).Error("Authentication keeps failing, stopping monitor")
			return ErrAuthHalted
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Loan monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle performs one fetch, decide and act pass. Errors are logged and
// recorded in the report, never returned.
func (m *Monitor) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{Started: time.Now()}

	if m.paused.Load() {
		m.logger.Debug("Monitor paused, skipping cycle")
		report.Skipped = true
		m.finish(&report)
		return report
	}

	m.state.Store(int32(StateRunning))
	defer m.state.Store(int32(StateIdle))

	positions, err := m.exchange.GetLoanPositions(ctx)
	if err != nil {
		m.trackAuth(binance.IsAuthError(err))
		m.logger.WithError(err).Error("Failed to fetch loan positions")
		report.Error = err.Error()
		m.finish(&report)
		return report
	}
	report.Positions = positions

	for _, p := range positions {
		m.logger.WithFields(logrus.Fields{
			"position_id": p.ID,
			"collateral":  p.CollateralAmount.String() + " " + p.CollateralAsset,
			"ltv":         p.CurrentLTV.String(),
		}).Debug("Loan position")
	}

	decisions := rebalancer.Decide(positions, m.opts.Policy)
	m.logger.WithFields(logrus.Fields{
		"positions": len(positions),
		"decisions": len(decisions),
	}).Info("Evaluated loan positions")

	// Decisions already started are carried through even if ctx is cancelled.
	execCtx := context.WithoutCancel(ctx)
	sawAuth := false
	for _, dec := range decisions {
		if ctx.Err() != nil {
			report.Decisions = append(report.Decisions, DecisionOutcome{
				Kind:   dec.Kind(),
				Detail: dec.String(),
				Error:  "skipped: monitor stopping",
			})
			continue
		}
		outcome, err := m.execute(execCtx, dec)
		if err != nil && binance.IsAuthError(err) {
			sawAuth = true
		}
		report.Decisions = append(report.Decisions, outcome)
	}
	m.trackAuth(sawAuth)

	m.finish(&report)
	return report
}

func (m *Monitor) execute(ctx context.Context, dec models.Decision) (DecisionOutcome, error) {
	out := DecisionOutcome{Kind: dec.Kind(), Detail: dec.String()}
	log := m.logger.WithFields(logrus.Fields{
		"decision": dec.Kind(),
		"detail":   dec.String(),
	})

	if dec.Kind() == models.DecisionNoAction {
		return out, nil
	}
	if m.opts.DryRun {
		log.Info("Dry run, decision not executed")
		return out, nil
	}

	var err error
	switch d := dec.(type) {
	case models.AddCollateral:
		_, err = m.exchange.AdjustCollateral(ctx, d.Request())
	case models.ReduceCollateral:
		_, err = m.exchange.AdjustCollateral(ctx, d.Request())
	case models.ArbitrageSwap:
		err = m.executeArbitrage(ctx, d)
	default:
		err = fmt.Errorf("unsupported decision %T", dec)
	}

	if err != nil {
		log.WithError(err).Error("Decision failed")
		out.Error = err.Error()
		return out, err
	}
	log.Info("Decision executed")
	out.Executed = true
	return out, nil
}

// executeArbitrage swaps the collateral, pledges the acquired amount to the
// higher-LTV position and then releases the sold amount from the lower one.
func (m *Monitor) executeArbitrage(ctx context.Context, d models.ArbitrageSwap) error {
	result, err := m.swapper.Swap(ctx, d.FromAsset, d.ToAsset, d.Amount)
	if err != nil {
		var pf *PartialSwapFailure
		if !errors.As(err, &pf) {
			return fmt.Errorf("swap %s -> %s: %w", d.FromAsset, d.ToAsset, err)
		}

		log := m.logger.WithFields(logrus.Fields{
			"from_position": d.FromPositionID,
			"to_position":   d.ToPositionID,
			"sold_asset":    pf.SoldAsset,
			"sold_amount":   pf.SoldAmount.String(),
			"sell_order_id": pf.SellOrderID,
			"proceeds":      pf.Proceeds.String() + " " + pf.QuoteCurrency,
			"target_asset":  pf.TargetAsset,
		})
		log.WithError(pf.Err).Error("Swap left a stranded buy leg")

		if !m.opts.RetryStrandedBuy {
			return pf
		}
		result, err = m.swapper.CompleteBuy(ctx, pf)
		if err != nil {
			log.WithError(err).Error("Retry of stranded buy leg failed, manual reconciliation required")
			return fmt.Errorf("%w; retry failed: %v", pf, err)
		}
		log.WithField("acquired", result.AcquiredAmount.String()).Warn("Stranded buy leg completed on retry")
	}

	add := models.AddCollateral{
		PositionID:      d.ToPositionID,
		LoanAsset:       d.ToLoanAsset,
		CollateralAsset: d.ToAsset,
		Amount:          result.AcquiredAmount,
	}
	if _, err := m.exchange.AdjustCollateral(ctx, add.Request()); err != nil {
		return fmt.Errorf("add %s %s to %s after swap: %w", add.Amount, add.CollateralAsset, add.PositionID, err)
	}

	reduce := models.ReduceCollateral{
		PositionID:      d.FromPositionID,
		LoanAsset:       d.FromLoanAsset,
		CollateralAsset: d.FromAsset,
		Amount:          result.SoldAmount,
	}
	if _, err := m.exchange.AdjustCollateral(ctx, reduce.Request()); err != nil {
		return fmt.Errorf("reduce %s %s from %s after swap: %w", reduce.Amount, reduce.CollateralAsset, reduce.PositionID, err)
	}
	return nil
}

func (m *Monitor) trackAuth(failed bool) {
	if failed {
		m.authFailures++
		return
	}
	m.authFailures = 0
}

func (m *Monitor) finish(report *CycleReport) {
	report.Duration = time.Since(report.Started)

	// Sends happen under the lock so an unsubscribe cannot close a channel
	// mid-send. They never block.
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *report
	m.last = &r
	for _, ch := range m.subscribers {
		select {
		case ch <- r:
		default:
			m.logger.Debug("Dropping cycle report for slow subscriber")
		}
	}
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) Pause() {
	m.paused.Store(true)
	m.logger.Warn("Monitor paused")
}

func (m *Monitor) Resume() {
	m.paused.Store(false)
	m.logger.Info("Monitor resumed")
}

func (m *Monitor) Paused() bool {
	return m.paused.Load()
}

func (m *Monitor) LastReport() (CycleReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return CycleReport{}, false
	}
	return *m.last, true
}

// Subscribe returns a channel receiving every finished cycle report and a
// function that removes the subscription.
func (m *Monitor) Subscribe() (<-chan CycleReport, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan CycleReport, 4)
	m.subscribers[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
	}
}
