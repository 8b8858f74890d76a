package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dukapos/service-mpesa/service/business"
	"github.com/dukapos/service-mpesa/service/models"
	"github.com/dukapos/service-mpesa/service/outcome"
	"github.com/sirupsen/logrus"
)

// Stage is the operator facing presentation state of one payment attempt.
type Stage string

const (
	StageIdle       Stage = "IDLE"
	StageConnecting Stage = "CONNECTING"
	StageAwaiting   Stage = "AWAITING_CONFIRMATION"
	StageConfirmed  Stage = "CONFIRMED"
	StageFailed     Stage = "FAILED"
	StageCancelled  Stage = "CANCELLED"
)

var (
	ErrAttemptInProgress = errors.New("a payment attempt is already in progress")
	ErrNotRetryable      = errors.New("retry is only available from a failed attempt")
	ErrNotCancellable    = errors.New("no attempt is awaiting confirmation")
)

// PaymentGateway is the slice of the backend the orchestrator drives.
type PaymentGateway interface {
	Initiate(ctx context.Context, request business.InitiateRequest) (*business.InitiateResponse, error)
	GetStatus(ctx context.Context, paymentID string) (*business.StatusResponse, error)
	Cancel(ctx context.Context, paymentID, operator string) (*business.StatusResponse, error)
}

// PresentationConfig fixes the pacing of the UI presentation. The holds are
// display pacing only; SimulateAutoResolve compresses them for demos and
// never touches how the backend resolves payments.
type PresentationConfig struct {
	ConnectingHold      time.Duration
	CountdownDuration   time.Duration
	PollInterval        time.Duration
	SimulateAutoResolve bool
}

// DefaultPresentationConfig matches the sixty second confirmation window the
// backend enforces.
func DefaultPresentationConfig() PresentationConfig {
	return PresentationConfig{
		ConnectingHold:    1500 * time.Millisecond,
		CountdownDuration: 60 * time.Second,
		PollInterval:      2 * time.Second,
	}
}

func (c PresentationConfig) effective() PresentationConfig {
	if c.SimulateAutoResolve {
		c.ConnectingHold = 200 * time.Millisecond
		c.PollInterval = 200 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.CountdownDuration <= 0 {
		c.CountdownDuration = 60 * time.Second
	}
	return c
}

// Callbacks are the exit points back into the till UI. OnResolved fires
// exactly once per attempt; nothing fires after Cancel.
type Callbacks struct {
	OnStage    func(stage Stage, remaining time.Duration)
	OnResolved func(resolution business.Resolution)
	OnFailed   func(failure outcome.Outcome)
}

// Orchestrator drives one payment attempt through the staged presentation:
// connecting, awaiting with a countdown, then a single resolution.
type Orchestrator struct {
	gateway   PaymentGateway
	config    PresentationConfig
	callbacks Callbacks
	logger    *logrus.Entry

	mu        sync.Mutex
	stage     Stage
	paymentID string
	request   business.InitiateRequest
	resolved  bool
	stop      chan struct{}
	deadline  time.Time
}

func NewOrchestrator(gateway PaymentGateway, config PresentationConfig, callbacks Callbacks) *Orchestrator {
	return &Orchestrator{
		gateway:   gateway,
		config:    config.effective(),
		callbacks: callbacks,
		logger:    logrus.WithField("component", "payment.flow"),
		stage:     StageIdle,
	}
}

// Stage reports the current presentation stage.
func (o *Orchestrator) Stage() Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

// Start opens a new attempt. It blocks through the connecting hold and the
// provider round trip, then hands off to the background poller.
func (o *Orchestrator) Start(ctx context.Context, request business.InitiateRequest) error {
	o.mu.Lock()
	if o.stage == StageConnecting || o.stage == StageAwaiting {
		o.mu.Unlock()
		return ErrAttemptInProgress
	}
	o.stage = StageConnecting
	o.request = request
	o.resolved = false
	o.stop = make(chan struct{})
	stop := o.stop
	o.mu.Unlock()

	o.notifyStage(StageConnecting, 0)

	select {
	case <-time.After(o.config.ConnectingHold):
	case <-stop:
		return nil
	case <-ctx.Done():
		o.toStage(StageIdle)
		return ctx.Err()
	}

	response, err := o.gateway.Initiate(ctx, request)
	if err != nil {
		o.logger.WithError(err).Warn("payment initiation rejected")
		o.failWith(outcome.Outcome{
			Category:        outcome.CategoryUnknown,
			UserMessage:     "The payment could not be started. Check the details and try again.",
			Retryable:       true,
			SuggestedAction: "Correct the phone number or amount and retry.",
		})
		return err
	}

	if response.Status == models.StatusFailed {
		failure := outcome.NetworkOutcome()
		if response.Outcome != nil {
			failure = *response.Outcome
		}
		o.failWith(failure)
		return nil
	}

	o.mu.Lock()
	if o.resolved {
		// Cancelled while the provider round trip was in flight.
		o.mu.Unlock()
		return nil
	}
	o.paymentID = response.PaymentID
	o.deadline = time.Now().Add(o.config.CountdownDuration)
	o.stage = StageAwaiting
	o.mu.Unlock()
	o.notifyStage(StageAwaiting, o.config.CountdownDuration)

	go o.pollUntilResolved(ctx, response.PaymentID, stop)
	return nil
}

// Remaining reports how much of the countdown is left for display.
func (o *Orchestrator) Remaining() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stage != StageAwaiting {
		return 0
	}
	remaining := time.Until(o.deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cancel explicitly abandons an awaiting attempt. No callback fires after
// cancellation.
func (o *Orchestrator) Cancel(ctx context.Context, operator string) error {
	o.mu.Lock()
	if o.stage != StageAwaiting && o.stage != StageConnecting {
		o.mu.Unlock()
		return ErrNotCancellable
	}
	paymentID := o.paymentID
	o.stage = StageCancelled
	o.resolved = true
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
	o.mu.Unlock()

	if paymentID != "" {
		if _, err := o.gateway.Cancel(ctx, paymentID, operator); err != nil {
			o.logger.WithError(err).Warn("backend cancel failed")
			return err
		}
	}
	return nil
}

// Retry re-runs the same sale context as a brand new attempt. Only a failed
// attempt may be retried.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.mu.Lock()
	if o.stage != StageFailed {
		o.mu.Unlock()
		return ErrNotRetryable
	}
	request := o.request
	o.stage = StageIdle
	o.mu.Unlock()

	return o.Start(ctx, request)
}

func (o *Orchestrator) pollUntilResolved(ctx context.Context, paymentID string, stop chan struct{}) {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	countdown := time.NewTimer(o.config.CountdownDuration)
	defer countdown.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-countdown.C:
			// The local countdown lapsed; one final read lets a confirmation
			// that squeaked in still win before the timeout is surfaced.
			status, err := o.gateway.GetStatus(ctx, paymentID)
			if err == nil && status.Status == models.StatusConfirmed {
				o.resolveWith(business.Resolution{
					PaymentID: status.PaymentID,
					Status:    status.Status,
					Outcome:   outcome.Classify(outcome.ResultCodeSuccess),
				})
				return
			}
			o.failWith(outcome.TimeoutOutcome())
			return
		case <-ticker.C:
			status, err := o.gateway.GetStatus(ctx, paymentID)
			if err != nil {
				o.logger.WithError(err).Debug("status poll failed")
				continue
			}
			switch status.Status {
			case models.StatusConfirmed:
				o.resolveWith(business.Resolution{
					PaymentID: status.PaymentID,
					Status:    status.Status,
					Outcome:   outcome.Classify(outcome.ResultCodeSuccess),
				})
				return
			case models.StatusFailed, models.StatusExpired:
				failure := outcome.TimeoutOutcome()
				if status.Outcome != nil {
					failure = *status.Outcome
				}
				o.failWith(failure)
				return
			}
		}
	}
}

// resolveWith fires the resolved callback at most once.
func (o *Orchestrator) resolveWith(resolution business.Resolution) {
	o.mu.Lock()
	if o.resolved {
		o.mu.Unlock()
		return
	}
	o.resolved = true
	o.stage = StageConfirmed
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
	o.mu.Unlock()

	o.notifyStage(StageConfirmed, 0)
	if o.callbacks.OnResolved != nil {
		o.callbacks.OnResolved(resolution)
	}
}

func (o *Orchestrator) failWith(failure outcome.Outcome) {
	o.mu.Lock()
	if o.resolved {
		o.mu.Unlock()
		return
	}
	o.resolved = true
	o.stage = StageFailed
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
	o.mu.Unlock()

	o.notifyStage(StageFailed, 0)
	if o.callbacks.OnFailed != nil {
		o.callbacks.OnFailed(failure)
	}
}

func (o *Orchestrator) toStage(stage Stage) {
	o.mu.Lock()
	o.stage = stage
	o.mu.Unlock()
}

func (o *Orchestrator) notifyStage(stage Stage, remaining time.Duration) {
	if o.callbacks.OnStage != nil {
		o.callbacks.OnStage(stage, remaining)
	}
}
