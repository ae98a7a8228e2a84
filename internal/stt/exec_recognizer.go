package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/mattn/go-shellwords"
)

// Placeholders substituted into exec command arguments.
const (
	placeholderAudio    = "{audio}"
	placeholderModel    = "{model}"
	placeholderLanguage = "{language}"
)

// execRecognizer writes each segment to a temporary WAV file and runs an
// external command that prints {"text": ..., "confidence": ...} on stdout.
type execRecognizer struct {
	argv     []string
	model    string
	language string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer parses cfg.Command. Arguments may reference {audio},
// {model} and {language}; without an {audio} placeholder the file is passed as
// --audio <path> followed by --model and --language when configured.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	argv, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{argv: argv, model: cfg.ModelPath, language: cfg.Language}, nil
}

func (r *execRecognizer) args(audioPath string) []string {
	templated := false
	args := make([]string, 0, len(r.argv)+6)
	for _, arg := range r.argv[1:] {
		if strings.Contains(arg, placeholderAudio) {
			templated = true
		}
		arg = strings.ReplaceAll(arg, placeholderAudio, audioPath)
		arg = strings.ReplaceAll(arg, placeholderModel, r.model)
		arg = strings.ReplaceAll(arg, placeholderLanguage, r.language)
		args = append(args, arg)
	}
	if templated {
		return args
	}
	args = append(args, "--audio", audioPath)
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	return args
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, _ bool) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	wav, err := encodeWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	defer os.Remove(path)
	_, werr := file.Write(wav)
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return TranscriptResult{}, fmt.Errorf("write segment: %w", werr)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.argv[0], r.args(path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var res execResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt output: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(res.Text), Confidence: res.Confidence}, nil
}
