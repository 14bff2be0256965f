package worker

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/relaytun/internal/metrics"
)

// Outcome is the successful result of one loop iteration.
type Outcome int

const (
	Continue Outcome = iota
	Terminate
)

func (o Outcome) String() string {
	if o == Terminate {
		return "terminate"
	}
	return "continue"
}

// Severity classifies a failed loop iteration.
type Severity int

const (
	// SeverityRecoverable errors are logged and the loop continues.
	SeverityRecoverable Severity = iota
	// SeverityUnrecoverable errors are logged and the loop exits.
	SeverityUnrecoverable
)

func (s Severity) String() string {
	if s == SeverityUnrecoverable {
		return "unrecoverable"
	}
	return "recoverable"
}

// StepError carries the severity of a failed loop iteration.
type StepError struct {
	Severity Severity
	Err      error
}

func (e *StepError) Error() string {
	return e.Severity.String() + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Recoverable marks err as recoverable. A nil err stays nil.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Severity: SeverityRecoverable, Err: err}
}

// Unrecoverable marks err as unrecoverable. A nil err stays nil.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Severity: SeverityUnrecoverable, Err: err}
}

// SeverityOf reports the severity of err. Errors without a StepError in their
// chain are unrecoverable.
func SeverityOf(err error) Severity {
	sev, _ := classify(err)
	return sev
}

// classify returns the severity of err and the cause it carries.
func classify(err error) (Severity, error) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Severity, se.Err
	}
	return SeverityUnrecoverable, err
}

// loop drives step until it returns Terminate or an unrecoverable error.
func loop(logger zerolog.Logger, m *metrics.RelayMetrics, kind string, step func() (Outcome, error)) {
	for {
		outcome, err := step()
		if err != nil {
			sev, cause := classify(err)
			m.WorkerErrors.WithLabelValues(kind, sev.String()).Inc()
			if sev == SeverityUnrecoverable {
				logger.Error().Err(cause).Msg("fatal error, stopping worker")
				return
			}
			logger.Warn().Err(cause).Msg("worker error")
		}
		if outcome == Terminate {
			return
		}
	}
}
