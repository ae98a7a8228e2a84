package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestExecSynthStreamsLines(t *testing.T) {
	script := filepath.Join(t.TempDir(), "tts.sh")
	body := `#!/bin/sh
grep -q '"voice":"nl-NL"' || exit 4
echo '{"pcm_base64":"AQI="}'
echo ''
echo '{"pcm_base64":"AwQ="}'
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	synth, err := NewExecSynth("sh "+script, 16000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{SessionID: "s", Text: "hallo", Voice: "nl-NL"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %+v", got)
	}
	if got[0].Sequence != 0 || got[0].Final || got[0].PCM[0] != 1 {
		t.Fatalf("unexpected first chunk %+v", got[0])
	}
	if got[1].Sequence != 1 || !got[1].Final || got[1].PCM[0] != 3 || got[1].SessionID != "s" {
		t.Fatalf("unexpected last chunk %+v", got[1])
	}
}

func TestExecSynthReportsFailure(t *testing.T) {
	synth, err := NewExecSynth(`sh -c "echo broken >&2; exit 2"`, 16000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "x"})
	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected command failure")
	}
}
