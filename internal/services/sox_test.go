package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobarin/ttsfx/internal/services/soxtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSox(t *testing.T, runner *soxtest.FakeRunner) *SoxService {
	t.Helper()
	svc, err := NewSoxServiceWithRunner("sox", t.TempDir(), runner)
	require.NoError(t, err)
	return svc
}

func testAudio() *RawAudio {
	return &RawAudio{PCM: make([]byte, 3200), Rate: 16000, Width: 2, Channels: 1}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPathsAreNamespacedByID(t *testing.T) {
	svc := newTestSox(t, &soxtest.FakeRunner{})

	assert.Equal(t, filepath.Join(svc.Dir(), "raw_abc123.pcm"), svc.RawPath("abc123"))
	assert.Equal(t, filepath.Join(svc.Dir(), "stage1_abc123.wav"), svc.StageOnePath("abc123"))
	assert.Equal(t, filepath.Join(svc.Dir(), "background_abc123.wav"), svc.BackgroundPath("abc123"))
	assert.Equal(t, filepath.Join(svc.Dir(), "output_abc123.mp3"), svc.OutputPath("abc123", "mp3"))
	assert.NotEqual(t, svc.StageOnePath("one"), svc.StageOnePath("two"))
}

func TestApplyForegroundChainPassesChainVerbatim(t *testing.T) {
	runner := &soxtest.FakeRunner{Duration: "1.250000"}
	svc := newTestSox(t, runner)
	chain := []string{"pitch", "-300", "highpass", "300", "compand", "0.3,1", "6:-70,-60,-20", "-5", "-90", "0.2"}

	stage, duration, err := svc.ApplyForegroundChain(context.Background(), "abc123", testAudio(), chain)
	require.NoError(t, err)

	assert.Equal(t, svc.StageOnePath("abc123"), stage)
	assert.Equal(t, 1.25, duration)
	assert.FileExists(t, stage)
	assert.NoFileExists(t, svc.RawPath("abc123"), "raw input is removed after processing")

	calls := runner.CallsFor(soxtest.OpForeground)
	require.Len(t, calls, 1)
	want := append([]string{
		"-t", "raw", "-r", "16000", "-e", "signed", "-b", "16", "-c", "1", svc.RawPath("abc123"),
		"-r", "16000", "-t", "wav", stage,
	}, chain...)
	assert.Equal(t, want, calls[0])

	require.Len(t, runner.CallsFor(soxtest.OpDuration), 1)
}

func TestApplyForegroundChainUsesStreamFormat(t *testing.T) {
	runner := &soxtest.FakeRunner{}
	svc := newTestSox(t, runner)
	audio := &RawAudio{PCM: []byte{1, 2, 3, 4}, Rate: 22050, Width: 2, Channels: 2}

	_, _, err := svc.ApplyForegroundChain(context.Background(), "fmt", audio, nil)
	require.NoError(t, err)

	args := runner.CallsFor(soxtest.OpForeground)[0]
	assert.Equal(t, []string{"-t", "raw", "-r", "22050", "-e", "signed", "-b", "16", "-c", "2"}, args[:10])
	assert.Equal(t, "-t", args[len(args)-3], "empty chain adds no tokens")
}

func TestApplyForegroundChainFailureRemovesStageFiles(t *testing.T) {
	for _, op := range []string{soxtest.OpForeground, soxtest.OpDuration} {
		t.Run(op, func(t *testing.T) {
			runner := &soxtest.FakeRunner{Fail: map[string]bool{op: true}, Partial: true}
			svc := newTestSox(t, runner)

			_, _, err := svc.ApplyForegroundChain(context.Background(), "fail", testAudio(), []string{"highpass", "300"})
			require.Error(t, err)
			assert.Empty(t, listDir(t, svc.Dir()))
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	runner := &soxtest.FakeRunner{Duration: "not-a-number"}
	svc := newTestSox(t, runner)

	_, _, err := svc.ApplyForegroundChain(context.Background(), "garbage", testAudio(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse duration")
	assert.Empty(t, listDir(t, svc.Dir()))
}

func TestStreamInfo(t *testing.T) {
	runner := &soxtest.FakeRunner{Rate: "22050", Channels: "2"}
	svc := newTestSox(t, runner)
	stage := svc.StageOnePath("info")
	require.NoError(t, os.WriteFile(stage, []byte("wav"), 0o644))

	rate, channels, err := svc.StreamInfo(context.Background(), stage)
	require.NoError(t, err)
	assert.Equal(t, 22050, rate)
	assert.Equal(t, 2, channels)

	calls := runner.CallsFor(soxtest.OpInfo)
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"--i", "-r", stage}, calls[0])
	assert.Equal(t, []string{"--i", "-c", stage}, calls[1])
}

func TestStreamInfoRejectsGarbage(t *testing.T) {
	svc := newTestSox(t, &soxtest.FakeRunner{Channels: "two"})
	stage := svc.StageOnePath("bad")
	require.NoError(t, os.WriteFile(stage, []byte("wav"), 0o644))

	_, _, err := svc.StreamInfo(context.Background(), stage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-c")
}

func TestGenerateBackgroundArgs(t *testing.T) {
	runner := &soxtest.FakeRunner{}
	svc := newTestSox(t, runner)

	bg, err := svc.GenerateBackground(context.Background(), "abc123", 2.345, 16000, 1, []string{"brownnoise", "vol", "0.08"})
	require.NoError(t, err)
	assert.FileExists(t, bg)

	calls := runner.CallsFor(soxtest.OpBackground)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-n", "-r", "16000", "-c", "1", bg, "synth", "2.345", "brownnoise", "vol", "0.08"}, calls[0])
}

func TestGenerateBackgroundFailureRemovesPartial(t *testing.T) {
	runner := &soxtest.FakeRunner{Fail: map[string]bool{soxtest.OpBackground: true}, Partial: true}
	svc := newTestSox(t, runner)

	_, err := svc.GenerateBackground(context.Background(), "abc123", 1, 16000, 1, nil)
	require.Error(t, err)
	assert.NoFileExists(t, svc.BackgroundPath("abc123"))
}

func TestMixTrimsToDurationAndRemovesInputs(t *testing.T) {
	runner := &soxtest.FakeRunner{}
	svc := newTestSox(t, runner)
	ctx := context.Background()

	fg, d, err := svc.ApplyForegroundChain(ctx, "abc123", testAudio(), nil)
	require.NoError(t, err)
	bg, err := svc.GenerateBackground(ctx, "abc123", d, 16000, 1, nil)
	require.NoError(t, err)

	out, err := svc.Mix(ctx, "abc123", fg, bg, d, []string{"bend", "0.3,5,0.3"}, "mp3")
	require.NoError(t, err)

	assert.Equal(t, svc.OutputPath("abc123", "mp3"), out)
	assert.Equal(t, []string{"output_abc123.mp3"}, listDir(t, svc.Dir()))

	calls := runner.CallsFor(soxtest.OpMix)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-m", fg, bg, out, "bend", "0.3,5,0.3", "trim", "0", "2.345"}, calls[0])
}

func TestMixFailureKeepsInputsButRemovesOutput(t *testing.T) {
	runner := &soxtest.FakeRunner{Fail: map[string]bool{soxtest.OpMix: true}, Partial: true}
	svc := newTestSox(t, runner)
	fg := svc.StageOnePath("m")
	bg := svc.BackgroundPath("m")
	require.NoError(t, os.WriteFile(fg, []byte("fg"), 0o644))
	require.NoError(t, os.WriteFile(bg, []byte("bg"), 0o644))

	_, err := svc.Mix(context.Background(), "m", fg, bg, 1, nil, "wav")
	require.Error(t, err)
	assert.NoFileExists(t, svc.OutputPath("m", "wav"))
	assert.FileExists(t, fg)
	assert.FileExists(t, bg)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "2.345", FormatDuration(2.345))
	assert.Equal(t, "3", FormatDuration(3))
	assert.Equal(t, "0.123456789", FormatDuration(0.123456789))
}
