package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bobarin/ttsfx/internal/logger"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// OpenAI speech provider
// Requests response_format=pcm, which the API returns as headerless 24 kHz
// signed 16-bit mono, so the result drops into the same sox pipeline as the
// Wyoming stream.
// ---------------------------------------------------------------------------

const (
	openAIPCMSampleRate = 24000
	openAIDefaultVoice  = openai.VoiceAlloy
)

type OpenAIService struct {
	client  *openai.Client
	model   openai.SpeechModel
	timeout time.Duration // bounds the request and the body read; 0 = none
	log     zerolog.Logger
}

// Ensure OpenAIService implements TTSService at compile time.
var _ TTSService = (*OpenAIService)(nil)

func NewOpenAIService(apiKey, model string, timeout time.Duration) *OpenAIService {
	return NewOpenAIServiceWithConfig(openai.DefaultConfig(apiKey), model, timeout)
}

// NewOpenAIServiceWithConfig allows a custom base URL (proxies, tests).
func NewOpenAIServiceWithConfig(cfg openai.ClientConfig, model string, timeout time.Duration) *OpenAIService {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	return &OpenAIService{
		client:  openai.NewClientWithConfig(cfg),
		model:   openai.SpeechModel(model),
		timeout: timeout,
		log:     logger.For("openai-tts"),
	}
}

func (s *OpenAIService) Synthesize(ctx context.Context, text, voice string) (*RawAudio, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	speechVoice := openAIDefaultVoice
	if voice != "" {
		speechVoice = openai.SpeechVoice(voice)
	}

	s.log.Info().Str("voice", string(speechVoice)).Str("model", string(s.model)).Int("textLen", len(text)).
		Msg("[OpenAI] Generating speech")

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          speechVoice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI speech request failed: %w", err)
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAI audio response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("OpenAI returned empty audio")
	}

	s.log.Info().Int("bytes", len(pcm)).Msg("[OpenAI] Speech generated")

	return &RawAudio{
		PCM:      pcm,
		Rate:     openAIPCMSampleRate,
		Width:    DefaultSampleWidth,
		Channels: DefaultChannels,
	}, nil
}
