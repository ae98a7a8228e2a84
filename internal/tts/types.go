package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. The chunk channel closes when
// synthesis ends; at most one error is delivered.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.ChunkDurationMS)*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "stream":
		return NewStreamSynth(cfg.Endpoint, cfg.APIKey, cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

// emitter numbers the chunks of one request and holds the latest back so the
// last chunk can be flagged final once the backend signals the end.
type emitter struct {
	ctx  context.Context
	out  chan<- SynthChunk
	base SynthChunk
	seq  int
	held []byte
	has  bool
}

func newEmitter(ctx context.Context, out chan<- SynthChunk, sessionID string, sampleRate, channels int) *emitter {
	return &emitter{
		ctx:  ctx,
		out:  out,
		base: SynthChunk{SessionID: sessionID, SampleRate: sampleRate, Channels: channels},
	}
}

func (e *emitter) push(pcm []byte) error {
	if e.has {
		if err := e.send(e.held, false); err != nil {
			return err
		}
	}
	e.held, e.has = pcm, true
	return nil
}

// finish sends the held chunk as final. A request that produced no audio still
// ends with an empty final chunk.
func (e *emitter) finish() error {
	pcm := e.held
	if !e.has {
		pcm = []byte{}
	}
	e.held, e.has = nil, false
	return e.send(pcm, true)
}

func (e *emitter) send(pcm []byte, final bool) error {
	chunk := e.base
	chunk.Sequence = e.seq
	chunk.PCM = pcm
	chunk.Final = final
	select {
	case e.out <- chunk:
		e.seq++
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}
