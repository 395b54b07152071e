package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qpro/queue-engine/internal/models"
	"qpro/queue-engine/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	PauseAdvisory = "advisory"
	PauseBlock    = "block"
)

// Notifier receives committed changes. Implementations must not block.
type Notifier interface {
	Notify(change models.Change)
}

type nopNotifier struct{}

func (nopNotifier) Notify(models.Change) {}

type Options struct {
	PauseMode             string
	Numbering             string
	DefaultServiceMinutes int
	Location              *time.Location
	IssueRetry            time.Duration
}

type IssueInput struct {
	OfficeID     string
	DepartmentID string
	HolderName   string
	HolderPhone  string
	HolderID     string
}

type IssueResult struct {
	Token                models.QueueToken
	EstimatedWaitMinutes int
	EstimatedServeAt     time.Time
}

// Controller is the only writer of queue state. Every operation is a single
// WithOffice transaction and publishes its changes after commit.
type Controller struct {
	store      store.QueueStore
	notifier   Notifier
	clock      Clock
	logger     *zap.Logger
	tracer     trace.Tracer
	sequencer  Sequencer
	estimator  Estimator
	pauseMode  string
	location   *time.Location
	issueRetry time.Duration
}

func NewController(st store.QueueStore, notifier Notifier, clock Clock, logger *zap.Logger, options Options) *Controller {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pauseMode := options.PauseMode
	if pauseMode != PauseBlock {
		pauseMode = PauseAdvisory
	}
	retry := options.IssueRetry
	if retry <= 0 {
		retry = 3 * time.Second
	}
	return &Controller{
		store:      st,
		notifier:   notifier,
		clock:      clock,
		logger:     logger,
		tracer:     otel.Tracer("qpro/queue-engine/queue"),
		sequencer:  NewSequencer(options.Numbering),
		estimator:  Estimator{DefaultServiceMinutes: options.DefaultServiceMinutes},
		pauseMode:  pauseMode,
		location:   options.Location,
		issueRetry: retry,
	}
}

func (c *Controller) Issue(ctx context.Context, input IssueInput) (result IssueResult, err error) {
	ctx, span := c.startSpan(ctx, "queue.Issue", input.OfficeID)
	defer func() { finishSpan(span, err) }()

	input.HolderName = strings.TrimSpace(input.HolderName)
	input.HolderPhone = strings.TrimSpace(input.HolderPhone)
	input.HolderID = strings.TrimSpace(input.HolderID)
	if input.HolderName == "" {
		return IssueResult{}, fmt.Errorf("holder name is required: %w", store.ErrInvalidInput)
	}

	attempt := 0
	operation := func() (IssueResult, error) {
		attempt++
		res, err := c.issueOnce(ctx, input)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, store.ErrSequenceConflict) {
			c.logger.Warn("ticket number conflict, retrying",
				zap.String("office_id", input.OfficeID), zap.Int("attempt", attempt))
			return IssueResult{}, err
		}
		return IssueResult{}, backoff.Permanent(err)
	}
	result, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.issueRetry))
	if err != nil {
		if errors.Is(err, store.ErrSequenceConflict) {
			return IssueResult{}, fmt.Errorf("ticket number contention after %d attempts: %w", attempt, store.ErrTransientUnavailable)
		}
		var queued *HolderQueuedError
		if errors.Is(err, store.ErrHolderAlreadyQueued) && !errors.As(err, &queued) {
			if existing, found, lookupErr := c.store.ActiveTokenForHolder(ctx, input.HolderID); lookupErr == nil && found {
				return IssueResult{}, &HolderQueuedError{TokenID: existing.TokenID}
			}
		}
		return IssueResult{}, err
	}

	c.logger.Info("ticket issued",
		zap.String("office_id", result.Token.OfficeID),
		zap.String("token_id", result.Token.TokenID),
		zap.Int("ticket_number", result.Token.TicketNumber),
		zap.Int("estimated_wait_minutes", result.EstimatedWaitMinutes))
	c.publish(models.Change{OfficeID: result.Token.OfficeID, Type: models.EventTokenIssued, TokenID: result.Token.TokenID, At: result.Token.JoinedAt})
	return result, nil
}

func (c *Controller) issueOnce(ctx context.Context, input IssueInput) (IssueResult, error) {
	var result IssueResult
	err := c.store.WithOffice(ctx, input.OfficeID, func(tx store.OfficeTx) error {
		office := tx.Office()
		if !office.Active {
			return store.ErrOfficeNotFound
		}
		state := tx.State()
		if err := c.checkOpen(state); err != nil {
			return err
		}

		var department *models.Department
		if input.DepartmentID != "" {
			found, err := tx.Department(ctx, input.DepartmentID)
			if err != nil {
				return err
			}
			department = &found
		}
		if input.HolderID != "" {
			existing, found, err := tx.HolderActiveToken(ctx, input.HolderID)
			if err != nil {
				return err
			}
			if found {
				return &HolderQueuedError{TokenID: existing.TokenID}
			}
		}

		now := c.clock.Now()
		day := ServiceDay(now, officeLocation(office.Timezone, c.location))
		alloc, err := c.sequencer.Next(ctx, tx, day, input.DepartmentID)
		if err != nil {
			return err
		}
		waiting, err := tx.CountWaiting(ctx)
		if err != nil {
			return err
		}
		minutes := EstimatedWaitMinutes(waiting, c.estimator.AverageMinutes(department))

		token := models.QueueToken{
			TokenID:           uuid.NewString(),
			OfficeID:          office.OfficeID,
			DepartmentID:      input.DepartmentID,
			ServiceDay:        day,
			Sequence:          alloc.Sequence,
			TicketNumber:      alloc.Number,
			NumberPartition:   alloc.Partition,
			HolderName:        input.HolderName,
			HolderPhone:       input.HolderPhone,
			HolderID:          input.HolderID,
			Status:            models.StatusWaiting,
			JoinedAt:          now,
			EstimatedWaitMins: minutes,
		}
		if err := tx.InsertToken(ctx, token); err != nil {
			return err
		}
		if err := c.saveState(ctx, tx, state, now); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, models.Change{OfficeID: office.OfficeID, Type: models.EventTokenIssued, TokenID: token.TokenID, At: now}); err != nil {
			return err
		}

		result = IssueResult{Token: token, EstimatedWaitMinutes: minutes, EstimatedServeAt: EstimatedClockTime(now, minutes)}
		return nil
	})
	return result, err
}

// ServeNext completes the serving token, if any, and promotes the earliest
// waiting token. It returns nil when nobody is waiting.
func (c *Controller) ServeNext(ctx context.Context, officeID string) (promoted *models.QueueToken, err error) {
	ctx, span := c.startSpan(ctx, "queue.ServeNext", officeID)
	defer func() { finishSpan(span, err) }()

	var changes []models.Change
	err = c.store.WithOffice(ctx, officeID, func(tx store.OfficeTx) error {
		changes = nil
		promoted = nil
		state := tx.State()
		if err := c.checkOpen(state); err != nil {
			return err
		}
		now := c.clock.Now()

		serving, found, err := tx.ServingToken(ctx)
		if err != nil {
			return err
		}
		if found {
			served, err := tx.TransitionToken(ctx, serving.TokenID, store.ActionComplete, now)
			if err != nil {
				return err
			}
			changes = append(changes, models.Change{OfficeID: officeID, Type: models.EventTokenServed, TokenID: served.TokenID, At: now})
		}

		next, change, err := c.promoteNext(ctx, tx, now)
		if err != nil {
			return err
		}
		if next != nil {
			promoted = next
			changes = append(changes, change)
		}
		return c.commitChanges(ctx, tx, state, now, changes)
	})
	if err != nil {
		return nil, err
	}

	c.logServing("serve next", officeID, promoted)
	c.publish(changes...)
	return promoted, nil
}

// Skip marks the serving token skipped and promotes the next waiting token.
// While the office is closed, or paused in block mode, the skip is recorded
// and nobody is promoted.
func (c *Controller) Skip(ctx context.Context, officeID string) (promoted *models.QueueToken, err error) {
	ctx, span := c.startSpan(ctx, "queue.Skip", officeID)
	defer func() { finishSpan(span, err) }()

	var changes []models.Change
	err = c.store.WithOffice(ctx, officeID, func(tx store.OfficeTx) error {
		changes = nil
		promoted = nil
		state := tx.State()
		serving, found, err := tx.ServingToken(ctx)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNoTokenServing
		}
		now := c.clock.Now()
		skipped, err := tx.TransitionToken(ctx, serving.TokenID, store.ActionSkip, now)
		if err != nil {
			return err
		}
		changes = append(changes, models.Change{OfficeID: officeID, Type: models.EventTokenSkipped, TokenID: skipped.TokenID, At: now})

		if c.checkOpen(state) == nil {
			next, change, err := c.promoteNext(ctx, tx, now)
			if err != nil {
				return err
			}
			if next != nil {
				promoted = next
				changes = append(changes, change)
			}
		}
		return c.commitChanges(ctx, tx, state, now, changes)
	})
	if err != nil {
		return nil, err
	}

	c.logServing("skip", officeID, promoted)
	c.publish(changes...)
	return promoted, nil
}

func (c *Controller) SetPaused(ctx context.Context, officeID string, paused bool) (models.QueueState, error) {
	return c.setFlag(ctx, "queue.SetPaused", officeID, func(state *models.QueueState) (string, bool) {
		if state.Paused == paused {
			return "", false
		}
		state.Paused = paused
		if paused {
			return models.EventQueuePaused, true
		}
		return models.EventQueueResumed, true
	})
}

func (c *Controller) SetClosed(ctx context.Context, officeID string, closed bool) (models.QueueState, error) {
	return c.setFlag(ctx, "queue.SetClosed", officeID, func(state *models.QueueState) (string, bool) {
		if state.Closed == closed {
			return "", false
		}
		state.Closed = closed
		if closed {
			return models.EventQueueClosed, true
		}
		return models.EventQueueReopened, true
	})
}

func (c *Controller) setFlag(ctx context.Context, name, officeID string, apply func(state *models.QueueState) (string, bool)) (result models.QueueState, err error) {
	ctx, span := c.startSpan(ctx, name, officeID)
	defer func() { finishSpan(span, err) }()

	var change *models.Change
	err = c.store.WithOffice(ctx, officeID, func(tx store.OfficeTx) error {
		change = nil
		state := tx.State()
		eventType, changed := apply(&state)
		if !changed {
			result = state
			return nil
		}
		now := c.clock.Now()
		if err := c.saveState(ctx, tx, state, now); err != nil {
			return err
		}
		change = &models.Change{OfficeID: officeID, Type: eventType, At: now}
		if err := tx.AppendEvent(ctx, *change); err != nil {
			return err
		}
		result = tx.State()
		return nil
	})
	if err != nil {
		return models.QueueState{}, err
	}
	if change != nil {
		c.logger.Info("queue flag changed", zap.String("office_id", officeID), zap.String("event", change.Type))
		c.publish(*change)
	}
	return result, nil
}

func (c *Controller) checkOpen(state models.QueueState) error {
	if state.Closed {
		return store.ErrQueueClosed
	}
	if state.Paused && c.pauseMode == PauseBlock {
		return store.ErrQueuePaused
	}
	return nil
}

func (c *Controller) promoteNext(ctx context.Context, tx store.OfficeTx, now time.Time) (*models.QueueToken, models.Change, error) {
	next, found, err := tx.NextWaiting(ctx)
	if err != nil || !found {
		return nil, models.Change{}, err
	}
	promoted, err := tx.TransitionToken(ctx, next.TokenID, store.ActionPromote, now)
	if err != nil {
		return nil, models.Change{}, err
	}
	return &promoted, models.Change{OfficeID: promoted.OfficeID, Type: models.EventTokenServing, TokenID: promoted.TokenID, At: now}, nil
}

func (c *Controller) commitChanges(ctx context.Context, tx store.OfficeTx, state models.QueueState, now time.Time, changes []models.Change) error {
	if err := c.saveState(ctx, tx, state, now); err != nil {
		return err
	}
	for _, change := range changes {
		if err := tx.AppendEvent(ctx, change); err != nil {
			return err
		}
	}
	return nil
}

// saveState rewrites current_serving from the token actually serving.
func (c *Controller) saveState(ctx context.Context, tx store.OfficeTx, state models.QueueState, now time.Time) error {
	serving, found, err := tx.ServingToken(ctx)
	if err != nil {
		return err
	}
	state.CurrentServing = nil
	if found {
		number := serving.TicketNumber
		state.CurrentServing = &number
	}
	state.UpdatedAt = now
	return tx.SaveState(ctx, state)
}

func (c *Controller) publish(changes ...models.Change) {
	for _, change := range changes {
		c.notifier.Notify(change)
	}
}

func (c *Controller) logServing(op, officeID string, promoted *models.QueueToken) {
	if promoted == nil {
		c.logger.Info(op, zap.String("office_id", officeID), zap.Bool("promoted", false))
		return
	}
	c.logger.Info(op,
		zap.String("office_id", officeID),
		zap.String("token_id", promoted.TokenID),
		zap.Int("ticket_number", promoted.TicketNumber))
}

func (c *Controller) startSpan(ctx context.Context, name, officeID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("office_id", officeID)))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
