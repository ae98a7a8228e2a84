// Package chunker slices captured PCM16LE audio into fixed-duration segments
// numbered in capture order.
package chunker

import (
	"errors"
	"sync"
	"time"
)

// Segment is one slice of captured audio submitted independently for
// transcription.
type Segment struct {
	Sequence int
	PCM      []byte
	Duration time.Duration
	Final    bool
}

type Config struct {
	SampleRate      int
	Channels        int
	SegmentDuration time.Duration
	MinSegment      time.Duration
}

// Segmenter accumulates frames and cuts segments of exactly SegmentDuration.
type Segmenter struct {
	cfg          Config
	frameBytes   int
	segmentBytes int
	minBytes     int

	mu      sync.Mutex
	buf     []byte
	nextSeq int
}

func New(cfg Config) (*Segmenter, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, errors.New("sample rate and channels must be positive")
	}
	if cfg.SegmentDuration <= 0 {
		return nil, errors.New("segment duration must be positive")
	}
	frameBytes := cfg.Channels * 2
	return &Segmenter{
		cfg:          cfg,
		frameBytes:   frameBytes,
		segmentBytes: bytesFor(cfg.SegmentDuration, cfg.SampleRate, frameBytes),
		minBytes:     bytesFor(cfg.MinSegment, cfg.SampleRate, frameBytes),
	}, nil
}

func bytesFor(d time.Duration, sampleRate, frameBytes int) int {
	frames := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return frames * frameBytes
}

// Write appends pcm and returns every segment completed by it.
func (s *Segmenter) Write(pcm []byte) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, pcm...)
	var out []Segment
	for len(s.buf) >= s.segmentBytes {
		out = append(out, s.cut(s.segmentBytes, false))
	}
	return out
}

// Flush emits the buffered tail as a final segment when it is at least the
// minimum segment length. Shorter tails are dropped without consuming a
// sequence number.
func (s *Segmenter) Flush() (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.buf) - len(s.buf)%s.frameBytes
	if n == 0 || n < s.minBytes {
		s.buf = s.buf[:0]
		return Segment{}, false
	}
	seg := s.cut(n, true)
	s.buf = s.buf[:0]
	return seg, true
}

// Reset drops buffered audio and restarts numbering at 0.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.nextSeq = 0
}

// Buffered reports the duration of audio waiting for the next cut.
func (s *Segmenter) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationOf(len(s.buf))
}

// NextSequence returns the number the next segment will carry.
func (s *Segmenter) NextSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

func (s *Segmenter) cut(n int, final bool) Segment {
	pcm := make([]byte, n)
	copy(pcm, s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	seg := Segment{
		Sequence: s.nextSeq,
		PCM:      pcm,
		Duration: s.durationOf(n),
		Final:    final,
	}
	s.nextSeq++
	return seg
}

func (s *Segmenter) durationOf(n int) time.Duration {
	frames := n / s.frameBytes
	return time.Duration(frames) * time.Second / time.Duration(s.cfg.SampleRate)
}
