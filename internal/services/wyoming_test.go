package services

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePiper accepts one connection, hands the decoded request to the test
// and replies with the given events. If hold is true it keeps the
// connection open without replying until the test ends.
func fakePiper(t *testing.T, replies []*wyomingEvent, hold bool) (host, port string, requests <-chan *wyomingEvent) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	reqCh := make(chan *wyomingEvent, 1)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		ev, err := readWyomingEvent(bufio.NewReader(conn))
		if err != nil {
			return
		}
		reqCh <- ev

		for _, reply := range replies {
			if err := writeWyomingEvent(conn, reply); err != nil {
				return
			}
		}
		if hold {
			<-done
		}
	}()

	host, port, err = net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return host, port, reqCh
}

func TestWyomingSynthesizeCollectsChunksInOrder(t *testing.T) {
	replies := []*wyomingEvent{
		{Type: eventAudioStart, Data: map[string]any{"rate": 22050, "width": 2, "channels": 1}},
		{Type: eventAudioChunk, Data: map[string]any{"rate": 22050, "width": 2, "channels": 1}, Payload: []byte{1, 2, 3, 4}},
		{Type: "info"},
		{Type: eventAudioChunk, Data: map[string]any{"rate": 22050, "width": 2, "channels": 1}, Payload: []byte{5, 6}},
		{Type: eventAudioStop},
	}
	host, port, requests := fakePiper(t, replies, false)

	svc := NewWyomingService(host, port, 5*time.Second)
	audio, err := svc.Synthesize(context.Background(), "hello world", "en_US-danny-low")
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, audio.PCM)
	assert.Equal(t, 22050, audio.Rate)
	assert.Equal(t, 16, audio.Bits())
	assert.Equal(t, 1, audio.Channels)

	req := <-requests
	assert.Equal(t, eventSynthesize, req.Type)
	assert.Equal(t, "hello world", req.Data["text"])
	assert.Equal(t, map[string]any{"name": "en_US-danny-low"}, req.Data["voice"])
}

func TestWyomingSynthesizeOmitsVoiceWhenUnset(t *testing.T) {
	replies := []*wyomingEvent{
		{Type: eventAudioChunk, Payload: []byte{9, 9}},
		{Type: eventAudioStop},
	}
	host, port, requests := fakePiper(t, replies, false)

	audio, err := NewWyomingService(host, port, 5*time.Second).Synthesize(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultSampleRate, audio.Rate, "format defaults apply when the stream carries none")

	req := <-requests
	_, hasVoice := req.Data["voice"]
	assert.False(t, hasVoice)
}

func TestWyomingStreamEndsWithoutStop(t *testing.T) {
	replies := []*wyomingEvent{
		{Type: eventAudioChunk, Payload: []byte{1, 2}},
	}
	host, port, _ := fakePiper(t, replies, false)

	_, err := NewWyomingService(host, port, 5*time.Second).Synthesize(context.Background(), "hi", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStreamEnded))
}

func TestWyomingStopWithoutAudio(t *testing.T) {
	host, port, _ := fakePiper(t, []*wyomingEvent{{Type: eventAudioStop}}, false)

	_, err := NewWyomingService(host, port, 5*time.Second).Synthesize(context.Background(), "hi", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audio")
}

func TestWyomingServerError(t *testing.T) {
	host, port, _ := fakePiper(t, []*wyomingEvent{{Type: eventError, Data: map[string]any{"text": "voice not found"}}}, false)

	_, err := NewWyomingService(host, port, 5*time.Second).Synthesize(context.Background(), "hi", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice not found")
}

func TestWyomingTimeout(t *testing.T) {
	host, port, _ := fakePiper(t, nil, true)

	start := time.Now()
	_, err := NewWyomingService(host, port, 150*time.Millisecond).Synthesize(context.Background(), "hi", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWyomingConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	_, err = NewWyomingService(host, port, time.Second).Synthesize(context.Background(), "hi", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to TTS server")
}

func TestReadWyomingEventInlineAndSeparateData(t *testing.T) {
	stream := `{"type":"audio-chunk","data":{"rate":8000,"width":2},"data_length":14,"payload_length":3}` + "\n" +
		`{"channels":2}` + "abc"
	ev, err := readWyomingEvent(bufio.NewReader(strings.NewReader(stream)))
	require.NoError(t, err)

	audio := &RawAudio{}
	audio.applyFormat(ev.Data)
	assert.Equal(t, 8000, audio.Rate)
	assert.Equal(t, 2, audio.Width)
	assert.Equal(t, 2, audio.Channels)
	assert.Equal(t, []byte("abc"), ev.Payload)
}

func TestReadWyomingEventTruncatedPayload(t *testing.T) {
	stream := `{"type":"audio-chunk","payload_length":10}` + "\n" + "abc"
	_, err := readWyomingEvent(bufio.NewReader(strings.NewReader(stream)))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStreamEnded))
}

func TestReadWyomingEventRejectsHugeLengths(t *testing.T) {
	stream := `{"type":"audio-chunk","payload_length":999999999}` + "\n"
	_, err := readWyomingEvent(bufio.NewReader(strings.NewReader(stream)))
	require.Error(t, err)
}
