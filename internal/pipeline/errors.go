package pipeline

import (
	"errors"
	"fmt"
)

// ValidationError rejects a request before any work starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// SynthesisError means the TTS stream failed or ended before audio-stop.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// EffectChainError is a failed foreground or background sox stage.
type EffectChainError struct {
	Stage State
	Err   error
}

func (e *EffectChainError) Error() string {
	return fmt.Sprintf("effect chain failed during %s: %v", e.Stage, e.Err)
}

func (e *EffectChainError) Unwrap() error { return e.Err }

// MixError is a failed final mix.
type MixError struct {
	Err error
}

func (e *MixError) Error() string {
	return fmt.Sprintf("mix failed: %v", e.Err)
}

func (e *MixError) Unwrap() error { return e.Err }

// IsValidation reports whether err was caused by bad input.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// FailedStage returns the state a pipeline error came from, or "" if err is
// not a pipeline error.
func FailedStage(err error) State {
	var (
		v *ValidationError
		s *SynthesisError
		e *EffectChainError
		m *MixError
	)
	switch {
	case errors.As(err, &v):
		return StateReceived
	case errors.As(err, &s):
		return StateSynthesizing
	case errors.As(err, &e):
		return e.Stage
	case errors.As(err, &m):
		return StateMixing
	}
	return ""
}
