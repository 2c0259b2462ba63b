// Package pipeline turns text into a finished, effect-processed audio file:
// synthesize, run the foreground chain, generate a background bed of the
// measured length, then mix and trim. Every request is a single linear pass
// over that sequence; the first failure ends it and removes the files that
// run created. Files of other runs are never touched, even under the same id.
package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/bobarin/ttsfx/internal/config"
	"github.com/bobarin/ttsfx/internal/logger"
	"github.com/bobarin/ttsfx/internal/models"
	"github.com/bobarin/ttsfx/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a step of the per-request state machine.
type State string

const (
	StateReceived     State = "received"
	StateSynthesizing State = "synthesizing"
	StateForeground   State = "foreground_processing"
	StateBackground   State = "background_generating"
	StateMixing       State = "mixing"
	StateDone         State = "done"
	StateError        State = "error"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Processor is the audio toolchain the pipeline drives. *services.SoxService
// is the production implementation.
type Processor interface {
	ApplyForegroundChain(ctx context.Context, id string, audio *services.RawAudio, chain []string) (string, float64, error)
	GenerateBackground(ctx context.Context, id string, duration float64, rate, channels int, chain []string) (string, error)
	Mix(ctx context.Context, id, foreground, background string, duration float64, chain []string, format string) (string, error)
	StreamInfo(ctx context.Context, path string) (rate, channels int, err error)
	Cleanup(paths ...string)
}

// Settings is the immutable effect configuration a Pipeline runs with.
type Settings struct {
	DefaultVoice      string
	OutputFormat      string
	ForegroundFilters []string
	BackgroundFilters []string
	MixFilters        []string
}

// SettingsFrom copies the pipeline-relevant fields out of the process config.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		DefaultVoice:      cfg.DefaultVoice,
		OutputFormat:      cfg.OutputFormat,
		ForegroundFilters: append([]string(nil), cfg.ForegroundFilters...),
		BackgroundFilters: append([]string(nil), cfg.BackgroundFilters...),
		MixFilters:        append([]string(nil), cfg.MixFilters...),
	}
}

// Request is one synthesis job. ID and Voice are optional.
type Request struct {
	ID    string
	Text  string
	Voice string
}

// Result describes a finished artifact.
type Result struct {
	ID         string  `json:"id"`
	OutputPath string  `json:"output"`
	Duration   float64 `json:"duration"`
	Voice      string  `json:"voice,omitempty"`
	Format     string  `json:"format"`
}

// Observer is notified of every state transition of every request.
type Observer func(id string, state State)

type Pipeline struct {
	tts       services.TTSService
	processor Processor
	settings  Settings
	observer  Observer
	log       zerolog.Logger
}

func New(tts services.TTSService, processor Processor, settings Settings) *Pipeline {
	return &Pipeline{
		tts:       tts,
		processor: processor,
		settings:  settings,
		log:       logger.For("pipeline"),
	}
}

// WithObserver returns a copy of the pipeline that reports transitions to fn.
func (p *Pipeline) WithObserver(fn Observer) *Pipeline {
	cp := *p
	cp.observer = fn
	return &cp
}

// Normalize validates a request and fills in the generated id and default
// voice. Run calls it; the API calls it too so async jobs are rejected
// before they are queued.
func (p *Pipeline) Normalize(req Request) (Request, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, &ValidationError{Field: "text", Message: "Missing 'message' in request"}
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	} else if !idPattern.MatchString(req.ID) {
		return req, &ValidationError{Field: "id", Message: "Invalid 'uuid': use 1-128 letters, digits, '.', '_' or '-'"}
	}

	if req.Voice == "" {
		req.Voice = p.settings.DefaultVoice
	}
	return req, nil
}

// Run executes the whole pipeline for one request.
func (p *Pipeline) Run(ctx context.Context, req Request) (result *Result, err error) {
	req, err = p.Normalize(req)
	if err != nil {
		return nil, err
	}

	log := p.log.With().Str("id", req.ID).Logger()
	start := time.Now()
	p.transition(log, req.ID, StateReceived)

	// Files this run produced and still owns. Each processor step removes its
	// own partial output when it fails.
	var created []string
	defer func() {
		if err == nil {
			return
		}
		p.processor.Cleanup(created...)
		log.Error().Err(err).Str("stage", string(FailedStage(err))).Dur("elapsed", time.Since(start)).
			Msg("TTS synthesis failed")
		p.transition(log, req.ID, StateError)
	}()

	p.transition(log, req.ID, StateSynthesizing)
	audio, err := p.tts.Synthesize(ctx, req.Text, req.Voice)
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}

	p.transition(log, req.ID, StateForeground)
	stagePath, duration, err := p.processor.ApplyForegroundChain(ctx, req.ID, audio, p.settings.ForegroundFilters)
	if err != nil {
		return nil, &EffectChainError{Stage: StateForeground, Err: err}
	}
	created = append(created, stagePath)

	rate, channels, err := p.processor.StreamInfo(ctx, stagePath)
	if err != nil {
		return nil, &EffectChainError{Stage: StateForeground, Err: err}
	}

	p.transition(log, req.ID, StateBackground)
	bgPath, err := p.processor.GenerateBackground(ctx, req.ID, duration, rate, channels, p.settings.BackgroundFilters)
	if err != nil {
		return nil, &EffectChainError{Stage: StateBackground, Err: err}
	}
	created = append(created, bgPath)

	p.transition(log, req.ID, StateMixing)
	outPath, err := p.processor.Mix(ctx, req.ID, stagePath, bgPath, duration, p.settings.MixFilters, p.settings.OutputFormat)
	if err != nil {
		return nil, &MixError{Err: err}
	}

	p.transition(log, req.ID, StateDone)
	log.Info().Str("output", outPath).Float64("duration", duration).Dur("elapsed", time.Since(start)).
		Msg("TTS generated")

	return &Result{
		ID:         req.ID,
		OutputPath: outPath,
		Duration:   duration,
		Voice:      req.Voice,
		Format:     p.settings.OutputFormat,
	}, nil
}

// Settings returns the effect configuration this pipeline runs with.
func (p *Pipeline) Settings() Settings {
	return p.settings
}

// Effects describes the settings as a JSONB document for render history.
func (s Settings) Effects() models.JSONB {
	return models.JSONB{
		"tts_filters":        s.ForegroundFilters,
		"background_filters": s.BackgroundFilters,
		"mix_filters":        s.MixFilters,
	}
}

// Record builds the render-history row for a finished run. req must already
// be normalized so a failed run still carries its id.
func (p *Pipeline) Record(req Request, res *Result, runErr error) *models.Render {
	render := &models.Render{
		ID:           req.ID,
		Text:         req.Text,
		OutputFormat: p.settings.OutputFormat,
		Effects:      p.settings.Effects(),
	}
	if req.Voice != "" {
		voice := req.Voice
		render.Voice = &voice
	}

	if runErr != nil {
		render.Status = models.JobStatusFailed
		msg := runErr.Error()
		render.ErrorMessage = &msg
		if stage := FailedStage(runErr); stage != "" {
			s := string(stage)
			render.FailedStage = &s
		}
		return render
	}

	render.Status = models.JobStatusSucceeded
	render.OutputPath = &res.OutputPath
	render.Duration = &res.Duration
	return render
}

func (p *Pipeline) transition(log zerolog.Logger, id string, state State) {
	log.Debug().Str("state", string(state)).Msg("pipeline transition")
	if p.observer != nil {
		p.observer(id, state)
	}
}
