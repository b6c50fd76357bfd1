// Package resync reconciles offline edits with the authoritative server
// document after a transport recovery. The protocol is a fixed sequence of
// named phases; timeouts are outcomes, not errors, and no path may leave
// the caller without a result.
package resync

import (
	"context"
	"errors"
	"time"

	"github.com/driftnote/driftnote/internal/core/observability/log"
	"github.com/driftnote/driftnote/internal/core/protocol"
)

// ErrTransportDown is returned when the push phase could not send anything
// at all. The caller treats it as a fresh disconnect rather than a resync
// failure.
var ErrTransportDown = errors.New("transport down before resync could send")

// Editor is the slice of editor behavior the protocol needs for its
// fallback path.
type Editor interface {
	Content() string
	SetContent(content string)
	ClearHistory()
	// IgnoreNextChange marks the next buffer change as transport-originated
	// so it is not re-queued as a local edit.
	IgnoreNextChange()
}

// Queue is the pending-operation store being drained.
type Queue interface {
	ClearPendingOperations(ctx context.Context, documentID string, ids ...int64) error
}

// Phase names one step of the protocol.
type Phase string

const (
	PhaseWarmUp   Phase = "warmup"
	PhaseReset    Phase = "reset"
	PhasePush     Phase = "push"
	PhaseFallback Phase = "fallback"
	PhaseDrain    Phase = "drain"
	PhaseConfirm  Phase = "confirm"
)

// Outcome distinguishes how a phase ended. TimedOut is not a failure: the
// protocol favors liveness over a confirmed consistency proof.
type Outcome uint8

const (
	OutcomeSkipped Outcome = iota
	OutcomeSucceeded
	OutcomeTimedOut
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeErrored:
		return "errored"
	default:
		return "skipped"
	}
}

// PhaseResult records one phase's outcome.
type PhaseResult struct {
	Outcome Outcome
	Err     error
	Elapsed time.Duration
}

// Report collects every phase result of one protocol run.
type Report struct {
	WarmUp   PhaseResult
	Reset    PhaseResult
	Push     PhaseResult
	Fallback PhaseResult
	Drain    PhaseResult
	Confirm  PhaseResult
}

// Config holds the protocol's bounded waits.
type Config struct {
	// WarmUpTimeout bounds the wait for the best-effort refresh response.
	WarmUpTimeout time.Duration
	// AckTimeout bounds the wait for the synthetic edit's acknowledgment.
	AckTimeout time.Duration
}

// DefaultConfig returns default protocol timeouts.
func DefaultConfig() Config {
	return Config{
		WarmUpTimeout: 1 * time.Second,
		AckTimeout:    5 * time.Second,
	}
}

// Runner executes the reconciliation protocol.
type Runner struct {
	transport protocol.Transport
	queue     Queue
	config    Config
	logger    log.Log
}

// NewRunner creates a protocol runner.
func NewRunner(transport protocol.Transport, queue Queue, config Config, logger log.Log) *Runner {
	return &Runner{
		transport: transport,
		queue:     queue,
		config:    config,
		logger:    logger.With(log.String("component", "resync")),
	}
}

// Run reconciles the document's local content with the server. content is
// the editor content at the moment reconnection began; after the run it is
// the content the server converges to (last writer wins).
//
// The only error return is ErrTransportDown, raised when the push phase
// could not send anything; every other failure is absorbed into the report.
func (r *Runner) Run(ctx context.Context, documentID string, editor Editor) (Report, error) {
	var report Report
	content := editor.Content()

	r.logger.Info("Resync started", log.String("document_id", documentID))

	report.WarmUp = r.warmUp(ctx)
	report.Reset = r.reset()

	report.Push = r.push(ctx, content)
	if report.Push.Outcome == OutcomeErrored {
		if errors.Is(report.Push.Err, protocol.ErrNotConnected) ||
			errors.Is(report.Push.Err, protocol.ErrTransportClosed) {
			// Nothing was sent. Let the caller fall back to offline.
			r.drainAndLog(ctx, documentID, &report)
			return report, ErrTransportDown
		}
		report.Fallback = r.fallback(ctx, editor, content)
	}

	r.drainAndLog(ctx, documentID, &report)
	report.Confirm = r.confirm(ctx)

	r.logger.Info("Resync finished",
		log.String("document_id", documentID),
		log.String("push", report.Push.Outcome.String()),
		log.String("fallback", report.Fallback.Outcome.String()))

	return report, nil
}

// warmUp requests an authoritative refresh and waits briefly for the doc to
// arrive. Proceeding without it is fine; this is a warm-up, not a gate.
func (r *Runner) warmUp(ctx context.Context) PhaseResult {
	start := time.Now()

	docCh := make(chan struct{}, 1)
	off := r.transport.On(protocol.EventDoc, func(protocol.Event) {
		select {
		case docCh <- struct{}{}:
		default:
		}
	})
	defer off()

	if err := r.transport.Emit(ctx, protocol.NewEvent(protocol.EventRefresh)); err != nil {
		r.logger.Warn("Warm-up refresh failed", log.Error(err))
		return PhaseResult{Outcome: OutcomeErrored, Err: err, Elapsed: time.Since(start)}
	}

	select {
	case <-docCh:
		return PhaseResult{Outcome: OutcomeSucceeded, Elapsed: time.Since(start)}
	case <-time.After(r.config.WarmUpTimeout):
		return PhaseResult{Outcome: OutcomeTimedOut, Elapsed: time.Since(start)}
	case <-ctx.Done():
		return PhaseResult{Outcome: OutcomeErrored, Err: ctx.Err(), Elapsed: time.Since(start)}
	}
}

// reset discards the adapter's memory of pre-disconnect operations.
func (r *Runner) reset() PhaseResult {
	start := time.Now()
	r.transport.Reset()
	return PhaseResult{Outcome: OutcomeSucceeded, Elapsed: time.Since(start)}
}

// push sends the single synthetic full-content edit and waits for its
// acknowledgment. A timeout means "proceed as if acknowledged".
func (r *Runner) push(ctx context.Context, content string) PhaseResult {
	start := time.Now()

	ackCh := make(chan struct{}, 1)
	off := r.transport.On(protocol.EventAck, func(protocol.Event) {
		select {
		case ackCh <- struct{}{}:
		default:
		}
	})
	defer off()

	op := protocol.FullReplace(len([]rune(content)), content)
	event := protocol.NewEvent(protocol.EventOperation)
	event.Operation = &op

	if err := r.transport.Emit(ctx, event); err != nil {
		return PhaseResult{Outcome: OutcomeErrored, Err: err, Elapsed: time.Since(start)}
	}

	select {
	case <-ackCh:
		return PhaseResult{Outcome: OutcomeSucceeded, Elapsed: time.Since(start)}
	case <-time.After(r.config.AckTimeout):
		r.logger.Warn("Ack wait timed out, proceeding")
		return PhaseResult{Outcome: OutcomeTimedOut, Elapsed: time.Since(start)}
	case <-ctx.Done():
		return PhaseResult{Outcome: OutcomeErrored, Err: ctx.Err(), Elapsed: time.Since(start)}
	}
}

// fallback runs only when push itself errored: request a fresh document,
// overwrite local content outright, and drop undo history so the overwrite
// cannot be undone into a diverged state.
func (r *Runner) fallback(ctx context.Context, editor Editor, content string) PhaseResult {
	start := time.Now()

	if err := r.transport.Emit(ctx, protocol.NewEvent(protocol.EventRefresh)); err != nil {
		r.logger.Warn("Fallback refresh failed", log.Error(err))
	}

	editor.IgnoreNextChange()
	editor.SetContent(content)
	editor.ClearHistory()

	return PhaseResult{Outcome: OutcomeSucceeded, Elapsed: time.Since(start)}
}

// drainAndLog clears the pending queue. The queued operations only ever
// existed to reconstruct local content and survive a reload; they are
// subsumed by the synthetic edit and never replayed individually.
func (r *Runner) drainAndLog(ctx context.Context, documentID string, report *Report) {
	start := time.Now()
	if err := r.queue.ClearPendingOperations(ctx, documentID); err != nil {
		r.logger.Warn("Failed to clear pending operations", log.Error(err))
		report.Drain = PhaseResult{Outcome: OutcomeErrored, Err: err, Elapsed: time.Since(start)}
		return
	}
	report.Drain = PhaseResult{Outcome: OutcomeSucceeded, Elapsed: time.Since(start)}
}

// confirm issues one more refresh as a final consistency check.
func (r *Runner) confirm(ctx context.Context) PhaseResult {
	start := time.Now()
	if err := r.transport.Emit(ctx, protocol.NewEvent(protocol.EventRefresh)); err != nil {
		return PhaseResult{Outcome: OutcomeErrored, Err: err, Elapsed: time.Since(start)}
	}
	return PhaseResult{Outcome: OutcomeSucceeded, Elapsed: time.Since(start)}
}
