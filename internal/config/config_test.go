package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "10300", cfg.APIPort)
	assert.Equal(t, ProviderWyoming, cfg.TTSProvider)
	assert.Equal(t, "core-piper", cfg.PiperHost)
	assert.Equal(t, "10200", cfg.PiperPort)
	assert.Empty(t, cfg.DefaultVoice)
	assert.Equal(t, "mp3", cfg.OutputFormat)
	assert.Empty(t, cfg.ForegroundFilters)
	assert.Empty(t, cfg.BackgroundFilters)
	assert.Equal(t, []string{"bend", "0.3,5,0.3"}, cfg.MixFilters)
	assert.Equal(t, 60*time.Second, cfg.SynthesisTimeout)
	assert.False(t, cfg.PublishingEnabled())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PIPER_HOST", "piper.local")
	t.Setenv("PIPER_PORT", "10201")
	t.Setenv("PIPER_VOICE", "en_US-danny-low")
	t.Setenv("OUT_TYPE", "wav")
	t.Setenv("TTS_FILTERS", "pitch -300 highpass 300 compand 0.3,1 6:-70,-60,-20 -5 -90 0.2")
	t.Setenv("BACKGROUND_FILTERS", "brownnoise vol 0.08")
	t.Setenv("SYNTHESIS_TIMEOUT", "15s")
	t.Setenv("WORKER_CONCURRENCY", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "piper.local", cfg.PiperHost)
	assert.Equal(t, "10201", cfg.PiperPort)
	assert.Equal(t, "en_US-danny-low", cfg.DefaultVoice)
	assert.Equal(t, "wav", cfg.OutputFormat)
	assert.Equal(t, []string{"pitch", "-300", "highpass", "300", "compand", "0.3,1", "6:-70,-60,-20", "-5", "-90", "0.2"}, cfg.ForegroundFilters)
	assert.Equal(t, []string{"brownnoise", "vol", "0.08"}, cfg.BackgroundFilters)
	assert.Equal(t, 15*time.Second, cfg.SynthesisTimeout)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
}

func TestPresetFileWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apollo.yaml")
	preset := `
voice: en_US-danny-low
out_type: ogg
tts_filters: "highpass 300 lowpass 3000"
background_filters: "brownnoise vol 0.08"
mix_filters: "bend 0.3,5,0.3 gain -1"
`
	require.NoError(t, os.WriteFile(path, []byte(preset), 0o644))
	t.Setenv("EFFECTS_PRESET_FILE", path)
	t.Setenv("BACKGROUND_FILTERS", "pinknoise vol 0.02")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "en_US-danny-low", cfg.DefaultVoice)
	assert.Equal(t, "ogg", cfg.OutputFormat)
	assert.Equal(t, []string{"highpass", "300", "lowpass", "3000"}, cfg.ForegroundFilters)
	assert.Equal(t, []string{"pinknoise", "vol", "0.02"}, cfg.BackgroundFilters)
	assert.Equal(t, []string{"bend", "0.3,5,0.3", "gain", "-1"}, cfg.MixFilters)
}

func TestLoadRejectsBadProvider(t *testing.T) {
	t.Setenv("TTS_PROVIDER", "carrier-pigeon")
	_, err := Load()
	require.Error(t, err)
}

func TestOpenAIProviderRequiresKey(t *testing.T) {
	t.Setenv("TTS_PROVIDER", "openai")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.TTSProvider)
}

func TestDefaultVoiceFollowsProvider(t *testing.T) {
	t.Setenv("PIPER_VOICE", "en_US-danny-low")
	t.Setenv("TTS_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.DefaultVoice, "a piper voice must not leak into openai requests")

	t.Setenv("OPENAI_TTS_VOICE", "nova")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "nova", cfg.DefaultVoice)
}

func TestParseChain(t *testing.T) {
	tokens, err := ParseChain(`  reverb 50 50 100   "gain" -n  `)
	require.NoError(t, err)
	assert.Equal(t, []string{"reverb", "50", "50", "100", "gain", "-n"}, tokens)

	tokens, err = ParseChain("   ")
	require.NoError(t, err)
	assert.Nil(t, tokens)

	_, err = ParseChain(`highpass "300`)
	require.Error(t, err)
}
