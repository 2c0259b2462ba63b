package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bobarin/ttsfx/internal/logger"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// SoxService
// Every audio transformation is a sox invocation; filter chains are opaque
// argv tokens appended verbatim. All files for a request are named
// <tag>_<id>.<ext> inside one directory, so requests never share a path.
// ---------------------------------------------------------------------------

// File tags used in intermediate and output filenames.
const (
	TagRaw        = "raw"
	TagStageOne   = "stage1"
	TagBackground = "background"
	TagOutput     = "output"
)

// CommandRunner executes an external command and returns its stdout.
// A non-zero exit status must be reported as an error.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, truncate(msg, 500))
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

type SoxService struct {
	bin    string
	dir    string
	runner CommandRunner
	log    zerolog.Logger
}

// NewSoxService creates the media directory if needed and runs sox through os/exec.
func NewSoxService(bin, dir string) (*SoxService, error) {
	return NewSoxServiceWithRunner(bin, dir, ExecRunner{})
}

func NewSoxServiceWithRunner(bin, dir string, runner CommandRunner) (*SoxService, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	if bin == "" {
		bin = "sox"
	}
	return &SoxService{
		bin:    bin,
		dir:    dir,
		runner: runner,
		log:    logger.For("sox"),
	}, nil
}

// Dir returns the shared media directory.
func (s *SoxService) Dir() string {
	return s.dir
}

func (s *SoxService) RawPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.pcm", TagRaw, id))
}

func (s *SoxService) StageOnePath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.wav", TagStageOne, id))
}

func (s *SoxService) BackgroundPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.wav", TagBackground, id))
}

func (s *SoxService) OutputPath(id, format string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.%s", TagOutput, id, format))
}

// ApplyForegroundChain writes the PCM to disk, transcodes it to WAV through
// the foreground chain and measures the result. The raw file is removed on
// success; on failure both files are removed.
func (s *SoxService) ApplyForegroundChain(ctx context.Context, id string, audio *RawAudio, chain []string) (string, float64, error) {
	rawPath := s.RawPath(id)
	stagePath := s.StageOnePath(id)

	if err := os.WriteFile(rawPath, audio.PCM, 0o644); err != nil {
		s.Cleanup(rawPath)
		return "", 0, fmt.Errorf("failed to write raw audio: %w", err)
	}

	rate := strconv.Itoa(audio.Rate)
	args := []string{
		"-t", "raw",
		"-r", rate,
		"-e", "signed",
		"-b", strconv.Itoa(audio.Bits()),
		"-c", strconv.Itoa(audio.Channels),
		rawPath,
		"-r", rate,
		"-t", "wav",
		stagePath,
	}
	args = append(args, chain...)

	s.log.Info().Str("id", id).Strs("chain", chain).Msgf("[Sox] Running TTS filter command: %s", s.commandLine(args))

	if _, err := s.runner.Run(ctx, s.bin, args...); err != nil {
		s.Cleanup(rawPath, stagePath)
		return "", 0, fmt.Errorf("sox foreground chain failed: %w", err)
	}

	duration, err := s.Duration(ctx, stagePath)
	if err != nil {
		s.Cleanup(rawPath, stagePath)
		return "", 0, err
	}

	s.Cleanup(rawPath)

	s.log.Info().Str("id", id).Float64("duration", duration).Msg("[Sox] Audio duration measured")
	return stagePath, duration, nil
}

// Duration returns a file's length in seconds as reported by `sox --i -D`.
func (s *SoxService) Duration(ctx context.Context, path string) (float64, error) {
	out, err := s.runner.Run(ctx, s.bin, "--i", "-D", path)
	if err != nil {
		return 0, fmt.Errorf("sox duration query failed: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("processed track has no audio (duration %s)", FormatDuration(duration))
	}

	return duration, nil
}

// StreamInfo returns the sample rate and channel count of an audio file. The
// foreground chain may resample or remix, so the background bed is built
// from what stage one actually contains.
func (s *SoxService) StreamInfo(ctx context.Context, path string) (rate, channels int, err error) {
	if rate, err = s.infoInt(ctx, "-r", path); err != nil {
		return 0, 0, err
	}
	if channels, err = s.infoInt(ctx, "-c", path); err != nil {
		return 0, 0, err
	}
	return rate, channels, nil
}

func (s *SoxService) infoInt(ctx context.Context, flag, path string) (int, error) {
	out, err := s.runner.Run(ctx, s.bin, "--i", flag, path)
	if err != nil {
		return 0, fmt.Errorf("sox info %s query failed: %w", flag, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("unexpected sox info %s output %q", flag, strings.TrimSpace(string(out)))
	}
	return v, nil
}

// GenerateBackground synthesizes a bed exactly duration seconds long at the
// given rate and channel count, then applies the background chain. A failed
// run removes whatever sox left behind.
func (s *SoxService) GenerateBackground(ctx context.Context, id string, duration float64, rate, channels int, chain []string) (string, error) {
	bgPath := s.BackgroundPath(id)

	args := []string{
		"-n",
		"-r", strconv.Itoa(rate),
		"-c", strconv.Itoa(channels),
		bgPath,
		"synth", FormatDuration(duration),
	}
	args = append(args, chain...)

	s.log.Info().Str("id", id).Strs("chain", chain).Msgf("[Sox] Running background filter command: %s", s.commandLine(args))

	if _, err := s.runner.Run(ctx, s.bin, args...); err != nil {
		s.Cleanup(bgPath)
		return "", fmt.Errorf("sox background generation failed: %w", err)
	}

	return bgPath, nil
}

// Mix sums the foreground and background, applies the mix chain and trims
// to duration. Both inputs are deleted after a successful mix.
func (s *SoxService) Mix(ctx context.Context, id, foreground, background string, duration float64, chain []string, format string) (string, error) {
	outPath := s.OutputPath(id, format)

	args := []string{"-m", foreground, background, outPath}
	args = append(args, chain...)
	args = append(args, "trim", "0", FormatDuration(duration))

	s.log.Info().Str("id", id).Msgf("[Sox] Mixing audio: %s", s.commandLine(args))

	if _, err := s.runner.Run(ctx, s.bin, args...); err != nil {
		s.Cleanup(outPath)
		return "", fmt.Errorf("sox mix failed: %w", err)
	}

	s.Cleanup(foreground, background)
	return outPath, nil
}

// Cleanup removes files, ignoring ones that are already gone. Failures are
// logged and never returned.
func (s *SoxService) Cleanup(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("[Sox] Failed to remove file")
		}
	}
}

func (s *SoxService) commandLine(args []string) string {
	return s.bin + " " + strings.Join(args, " ")
}

// FormatDuration renders seconds the way sox's synth and trim accept them,
// without losing precision.
func FormatDuration(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', -1, 64)
}

// truncate limits a string to maxLen characters for error output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
