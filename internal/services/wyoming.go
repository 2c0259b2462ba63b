package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bobarin/ttsfx/internal/logger"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Wyoming (Piper) Text-to-Speech Service
// Speaks the Wyoming event protocol over plain TCP: every event is a JSON
// header line, optionally followed by a JSON data block and a binary payload
// whose lengths are announced in the header.
// ---------------------------------------------------------------------------

const (
	wyomingVersion = "1.5.2"

	eventSynthesize = "synthesize"
	eventAudioStart = "audio-start"
	eventAudioChunk = "audio-chunk"
	eventAudioStop  = "audio-stop"
	eventError      = "error"

	// Upper bounds on announced lengths; a corrupt header must not make us
	// allocate gigabytes.
	maxEventDataLength    = 1 << 20
	maxEventPayloadLength = 16 << 20
)

// ErrStreamEnded is returned when the server stops sending events before
// announcing audio-stop.
var ErrStreamEnded = errors.New("no response from TTS server before audio-stop")

// WyomingService synthesizes speech against a Wyoming TTS server.
// One TCP connection is opened per call.
type WyomingService struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	log     zerolog.Logger
}

// Ensure WyomingService implements TTSService at compile time.
var _ TTSService = (*WyomingService)(nil)

// NewWyomingService creates a client for host:port. timeout bounds one whole
// synthesis session (dial, request, every read); zero disables it.
func NewWyomingService(host, port string, timeout time.Duration) *WyomingService {
	return &WyomingService{
		addr:    net.JoinHostPort(host, port),
		timeout: timeout,
		log:     logger.For("wyoming"),
	}
}

// wyomingEvent is one decoded protocol event.
type wyomingEvent struct {
	Type    string
	Data    map[string]any
	Payload []byte
}

type wyomingHeader struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	DataLength    int            `json:"data_length,omitempty"`
	PayloadLength int            `json:"payload_length,omitempty"`
	Version       string         `json:"version,omitempty"`
}

// Synthesize sends one synthesize event and collects audio-chunk payloads
// until audio-stop.
func (s *WyomingService) Synthesize(ctx context.Context, text, voice string) (*RawAudio, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to TTS server %s: %w", s.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock any pending read or write as soon as the context is done.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	data := map[string]any{"text": text}
	if voice != "" {
		data["voice"] = map[string]any{"name": voice}
	}

	s.log.Info().Str("voice", voiceLabel(voice)).Int("textLen", len(text)).
		Msgf("[Wyoming] Synthesizing via %s", s.addr)

	if err := writeWyomingEvent(conn, &wyomingEvent{Type: eventSynthesize, Data: data}); err != nil {
		return nil, fmt.Errorf("send synthesize event: %w", err)
	}

	audio := &RawAudio{
		Rate:     DefaultSampleRate,
		Width:    DefaultSampleWidth,
		Channels: DefaultChannels,
	}

	reader := bufio.NewReader(conn)
	chunks := 0
	for {
		ev, err := readWyomingEvent(reader)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("synthesis aborted after %d chunks: %w", chunks, ctxErr)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("synthesis timed out after %d chunks: %w", chunks, context.DeadlineExceeded)
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamEnded
			}
			return nil, fmt.Errorf("read event: %w", err)
		}

		switch ev.Type {
		case eventAudioStart:
			audio.applyFormat(ev.Data)
		case eventAudioChunk:
			audio.applyFormat(ev.Data)
			audio.PCM = append(audio.PCM, ev.Payload...)
			chunks++
		case eventAudioStop:
			if len(audio.PCM) == 0 {
				return nil, fmt.Errorf("TTS server returned no audio")
			}
			s.log.Info().Int("chunks", chunks).Int("bytes", len(audio.PCM)).Int("rate", audio.Rate).
				Msg("[Wyoming] Audio complete")
			return audio, nil
		case eventError:
			msg, _ := ev.Data["text"].(string)
			return nil, fmt.Errorf("TTS server error: %s", msg)
		default:
			s.log.Debug().Str("type", ev.Type).Msg("[Wyoming] Ignoring event")
		}
	}
}

// applyFormat copies rate/width/channels from an audio event when present.
func (a *RawAudio) applyFormat(data map[string]any) {
	if v, ok := intField(data, "rate"); ok && v > 0 {
		a.Rate = v
	}
	if v, ok := intField(data, "width"); ok && v > 0 {
		a.Width = v
	}
	if v, ok := intField(data, "channels"); ok && v > 0 {
		a.Channels = v
	}
}

func writeWyomingEvent(w io.Writer, ev *wyomingEvent) error {
	header := wyomingHeader{Type: ev.Type, Version: wyomingVersion}

	var dataBytes []byte
	if len(ev.Data) > 0 {
		var err error
		dataBytes, err = json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		header.DataLength = len(dataBytes)
	}
	header.PayloadLength = len(ev.Payload)

	line, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal event header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(line)
	buf.WriteByte('\n')
	buf.Write(dataBytes)
	buf.Write(ev.Payload)

	_, err = w.Write(buf.Bytes())
	return err
}

func readWyomingEvent(r *bufio.Reader) (*wyomingEvent, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var header wyomingHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}
	if header.DataLength < 0 || header.DataLength > maxEventDataLength ||
		header.PayloadLength < 0 || header.PayloadLength > maxEventPayloadLength {
		return nil, fmt.Errorf("event %q announces invalid lengths (data=%d, payload=%d)",
			header.Type, header.DataLength, header.PayloadLength)
	}

	ev := &wyomingEvent{Type: header.Type, Data: header.Data}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}

	if header.DataLength > 0 {
		raw := make([]byte, header.DataLength)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read event data: %w", unexpected(err))
		}
		var extra map[string]any
		if err := json.Unmarshal(raw, &extra); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
		for k, v := range extra {
			ev.Data[k] = v
		}
	}

	if header.PayloadLength > 0 {
		ev.Payload = make([]byte, header.PayloadLength)
		if _, err := io.ReadFull(r, ev.Payload); err != nil {
			return nil, fmt.Errorf("read event payload: %w", unexpected(err))
		}
	}

	return ev, nil
}

// unexpected turns a clean EOF in the middle of an event into ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func intField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func voiceLabel(voice string) string {
	if voice == "" {
		return "default"
	}
	return voice
}
