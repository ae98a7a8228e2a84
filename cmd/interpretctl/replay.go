package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

type publisher interface {
	PublishJSON(subject string, v any) error
}

type replayOptions struct {
	SourceLanguage string
	TargetLanguage string
	Frame          time.Duration
	Fast           bool
}

type replayResult struct {
	SessionID string
	Frames    int
	Duration  time.Duration
}

// replay publishes a WAV file as a chunked capture session: session.started,
// the audio as sequenced frames with the last one marked final, then
// session.stopped.
func replay(ctx context.Context, pub publisher, path string, opts replayOptions) (replayResult, error) {
	pcm, sampleRate, channels, err := readWAV(path)
	if err != nil {
		return replayResult{}, err
	}
	if opts.Frame <= 0 {
		opts.Frame = 20 * time.Millisecond
	}
	frameBytes := int(int64(sampleRate) * int64(opts.Frame) / int64(time.Second) * int64(channels) * 2)
	if frameBytes <= 0 {
		return replayResult{}, fmt.Errorf("frame duration %s too short", opts.Frame)
	}

	id := uuid.NewString()
	event := protocol.SessionEvent{
		SessionID:      id,
		Source:         "system",
		DeviceID:       path,
		Mode:           "chunked",
		SourceLanguage: opts.SourceLanguage,
		TargetLanguage: opts.TargetLanguage,
		Timestamp:      time.Now().UTC(),
	}
	if err := pub.PublishJSON(protocol.SubjectSessionStarted, event); err != nil {
		return replayResult{}, fmt.Errorf("publish session start: %w", err)
	}

	var ticker *time.Ticker
	if !opts.Fast {
		ticker = time.NewTicker(opts.Frame)
		defer ticker.Stop()
	}

	subject := protocol.AudioFrameSubject(id)
	seq := 0
	for offset := 0; offset < len(pcm) || seq == 0; offset += frameBytes {
		end := min(offset+frameBytes, len(pcm))
		frame := protocol.AudioFrame{
			SessionID:  id,
			Sequence:   seq,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        pcm[offset:end],
			Final:      end >= len(pcm),
		}
		if err := pub.PublishJSON(subject, frame); err != nil {
			return replayResult{}, fmt.Errorf("publish frame %d: %w", seq, err)
		}
		seq++
		if ticker != nil && !frame.Final {
			select {
			case <-ctx.Done():
				return replayResult{}, ctx.Err()
			case <-ticker.C:
			}
		}
	}

	event.Reason = "replay complete"
	event.Timestamp = time.Now().UTC()
	if err := pub.PublishJSON(protocol.SubjectSessionStopped, event); err != nil {
		return replayResult{}, fmt.Errorf("publish session stop: %w", err)
	}

	samples := len(pcm) / 2 / channels
	return replayResult{
		SessionID: id,
		Frames:    seq,
		Duration:  time.Duration(samples) * time.Second / time.Duration(sampleRate),
	}, nil
}

// readWAV decodes a 16-bit PCM WAV file into little-endian bytes.
func readWAV(path string) ([]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("not a valid WAV file")
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d, want 16", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}

	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, int(dec.SampleRate), int(dec.NumChans), nil
}
