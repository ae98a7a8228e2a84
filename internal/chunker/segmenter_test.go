package chunker

import (
	"testing"
	"time"
)

func newSegmenter(t *testing.T) *Segmenter {
	t.Helper()
	s, err := New(Config{
		SampleRate:      16000,
		Channels:        1,
		SegmentDuration: time.Second,
		MinSegment:      250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new segmenter: %v", err)
	}
	return s
}

// pcmFor returns d worth of mono 16 kHz PCM16.
func pcmFor(d time.Duration) []byte {
	return make([]byte, int(16000*d/time.Second)*2)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{SampleRate: 0, Channels: 1, SegmentDuration: time.Second}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
	if _, err := New(Config{SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected error for zero segment duration")
	}
}

func TestWriteCutsFixedSegments(t *testing.T) {
	s := newSegmenter(t)

	if segs := s.Write(pcmFor(600 * time.Millisecond)); len(segs) != 0 {
		t.Fatalf("expected no segment yet, got %d", len(segs))
	}
	segs := s.Write(pcmFor(1600 * time.Millisecond))
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	for i, seg := range segs {
		if seg.Sequence != i {
			t.Fatalf("segment %d has sequence %d", i, seg.Sequence)
		}
		if seg.Duration != time.Second {
			t.Fatalf("expected 1s segment, got %v", seg.Duration)
		}
		if seg.Final {
			t.Fatalf("regular segment marked final")
		}
	}
	if got := s.Buffered(); got != 200*time.Millisecond {
		t.Fatalf("expected 200ms buffered, got %v", got)
	}
}

func TestFlushEmitsLongTail(t *testing.T) {
	s := newSegmenter(t)
	s.Write(pcmFor(1400 * time.Millisecond))

	seg, ok := s.Flush()
	if !ok {
		t.Fatal("expected tail segment")
	}
	if seg.Sequence != 1 || !seg.Final || seg.Duration != 400*time.Millisecond {
		t.Fatalf("unexpected tail segment %+v", seg)
	}
	if s.Buffered() != 0 {
		t.Fatal("flush should empty the buffer")
	}
}

func TestFlushDropsShortTailWithoutConsumingSequence(t *testing.T) {
	s := newSegmenter(t)
	s.Write(pcmFor(1100 * time.Millisecond))

	if _, ok := s.Flush(); ok {
		t.Fatal("100ms tail should be dropped")
	}
	if s.NextSequence() != 1 {
		t.Fatalf("expected next sequence 1, got %d", s.NextSequence())
	}
}

func TestResetRestartsNumbering(t *testing.T) {
	s := newSegmenter(t)
	s.Write(pcmFor(2500 * time.Millisecond))
	s.Reset()

	segs := s.Write(pcmFor(time.Second))
	if len(segs) != 1 || segs[0].Sequence != 0 {
		t.Fatalf("expected fresh numbering, got %+v", segs)
	}
}

func TestSegmentsDoNotAliasInput(t *testing.T) {
	s := newSegmenter(t)
	in := pcmFor(time.Second)
	segs := s.Write(in)
	in[0] = 0x7f
	if segs[0].PCM[0] != 0 {
		t.Fatal("segment shares memory with caller buffer")
	}
}
