package path

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wheelsort/wheelsort/pkg/clock"
	"github.com/wheelsort/wheelsort/pkg/diverter"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

// ErrorCode classifies a failed execution.
type ErrorCode string

const (
	ErrorCodeNone            ErrorCode = ""
	ErrorCodeCancelled       ErrorCode = "CANCELLED"
	ErrorCodeHardwareFault   ErrorCode = "HARDWARE_FAULT"
	ErrorCodeTTLExpired      ErrorCode = "TTL_EXPIRED"
	ErrorCodeInvalidPath     ErrorCode = "INVALID_PATH"
	ErrorCodeLockUnavailable ErrorCode = "LOCK_UNAVAILABLE"
)

// ExecutionResult is the outcome of executing a path. A failed result
// always names the chute the parcel should physically go to instead.
type ExecutionResult struct {
	IsSuccess     bool      `json:"is_success"`
	ActualChuteID string    `json:"actual_chute_id"`
	ErrorCode     ErrorCode `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	// FailedSegment is the sequence number of the segment that failed, or -1.
	FailedSegment int `json:"failed_segment"`
}

// Executor runs a switching path against the diverters.
type Executor interface {
	Execute(ctx context.Context, p *SwitchingPath) ExecutionResult
}

// ExecutorOption configures a DefaultExecutor.
type ExecutorOption func(*DefaultExecutor)

// WithExecutorClock injects the clock used for TTL checks.
func WithExecutorClock(c clock.Clock) ExecutorOption {
	return func(e *DefaultExecutor) {
		e.clock = clock.OrSystem(c)
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(log logger.Logger) ExecutorOption {
	return func(e *DefaultExecutor) {
		e.log = logger.OrNop(log)
	}
}

// WithDefaultFallbackChute sets the chute reported when a path is missing.
func WithDefaultFallbackChute(chuteID string) ExecutorOption {
	return func(e *DefaultExecutor) {
		e.defaultFallback = chuteID
	}
}

// DefaultExecutor walks segments in order, holding at most one diverter
// write lock at a time.
type DefaultExecutor struct {
	locks           *diverter.Registry
	actuator        diverter.Actuator
	clock           clock.Clock
	log             logger.Logger
	defaultFallback string
}

// NewExecutor creates an executor over the given locks and actuator.
func NewExecutor(locks *diverter.Registry, actuator diverter.Actuator, opts ...ExecutorOption) *DefaultExecutor {
	e := &DefaultExecutor{
		locks:    locks,
		actuator: actuator,
		clock:    clock.System(),
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements Executor. Expected failures never panic or escape as
// errors; they come back as a failed result carrying the fallback chute.
func (e *DefaultExecutor) Execute(ctx context.Context, p *SwitchingPath) ExecutionResult {
	start := e.clock.Now()

	if p == nil || p.Len() == 0 {
		res := e.failure(e.defaultFallback, ErrorCodeInvalidPath, "switching path is empty", -1)
		metricsRecorder().RecordPathExecution(outcomeOf(res), 0)
		return res
	}

	ctx, span := pathTracer().Start(ctx, spanPathExecute,
		trace.WithAttributes(
			attribute.String("chute.target", p.TargetChuteID()),
			attribute.Int("path.segments", p.Len()),
		),
	)
	defer span.End()

	res := ExecutionResult{IsSuccess: true, ActualChuteID: p.TargetChuteID(), FailedSegment: -1}
	for i := 0; i < p.Len(); i++ {
		if failed, ok := e.runSegment(ctx, p, i); !ok {
			res = failed
			break
		}
	}

	if res.IsSuccess {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.ErrorMessage)
		span.SetAttributes(attribute.String("path.error_code", string(res.ErrorCode)))
		e.log.WarnContext(ctx, "switching path failed",
			"target_chute", p.TargetChuteID(),
			"fallback_chute", res.ActualChuteID,
			"error_code", res.ErrorCode,
			"segment", res.FailedSegment,
			"error", res.ErrorMessage,
		)
	}
	metricsRecorder().RecordPathExecution(outcomeOf(res), e.clock.Now().Sub(start))
	return res
}

func (e *DefaultExecutor) runSegment(ctx context.Context, p *SwitchingPath, i int) (res ExecutionResult, ok bool) {
	seg := p.Segment(i)
	ctx, span := pathTracer().Start(ctx, spanPathSegment,
		trace.WithAttributes(
			attribute.Int64("diverter.id", seg.DiverterID),
			attribute.String("diverter.direction", string(seg.TargetDirection)),
			attribute.Int("segment.sequence", seg.SequenceNumber),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return e.failure(p.FallbackChuteID(), ErrorCodeCancelled, err.Error(), seg.SequenceNumber), false
	}

	handle, err := e.locks.Get(seg.DiverterID).AcquireWriteLock(ctx)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, diverter.ErrLockClosed) {
			return e.failure(p.FallbackChuteID(), ErrorCodeLockUnavailable, err.Error(), seg.SequenceNumber), false
		}
		return e.failure(p.FallbackChuteID(), ErrorCodeCancelled, err.Error(), seg.SequenceNumber), false
	}
	defer handle.Release()

	if now := e.clock.Now(); now.After(p.ExpiresAt(i)) {
		msg := fmt.Sprintf("segment %d expired %s ago", seg.SequenceNumber, now.Sub(p.ExpiresAt(i)))
		metricsRecorder().RecordSegmentActuation(seg.DiverterID, "expired")
		return e.failure(p.FallbackChuteID(), ErrorCodeTTLExpired, msg, seg.SequenceNumber), false
	}

	if err := e.actuate(ctx, seg); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			metricsRecorder().RecordSegmentActuation(seg.DiverterID, "cancelled")
			return e.failure(p.FallbackChuteID(), ErrorCodeCancelled, err.Error(), seg.SequenceNumber), false
		}
		metricsRecorder().RecordSegmentActuation(seg.DiverterID, "fault")
		return e.failure(p.FallbackChuteID(), ErrorCodeHardwareFault, err.Error(), seg.SequenceNumber), false
	}

	metricsRecorder().RecordSegmentActuation(seg.DiverterID, "ok")
	return ExecutionResult{}, true
}

func (e *DefaultExecutor) actuate(ctx context.Context, seg SwitchingPathSegment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &diverter.FaultError{DiverterID: seg.DiverterID, Cause: fmt.Errorf("actuator panic: %v", r)}
		}
	}()
	return e.actuator.SetDirection(ctx, seg.DiverterID, seg.TargetDirection)
}

func (e *DefaultExecutor) failure(fallback string, code ErrorCode, msg string, segment int) ExecutionResult {
	return ExecutionResult{
		IsSuccess:     false,
		ActualChuteID: fallback,
		ErrorCode:     code,
		ErrorMessage:  msg,
		FailedSegment: segment,
	}
}

func outcomeOf(res ExecutionResult) string {
	if res.IsSuccess {
		return "success"
	}
	return string(res.ErrorCode)
}

