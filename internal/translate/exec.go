package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd []string
}

type execResponse struct {
	Text string `json:"text"`
}

func NewExecTranslator(command string) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translate command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translate command empty")
	}
	return &execTranslator{cmd: args}, nil
}

// Translate writes a JSON request on stdin and reads {"text": ...} from stdout.
func (t *execTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	input, err := json.Marshal(map[string]string{
		"text":   text,
		"source": source,
		"target": target,
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("translate exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translate exec response: %w", err)
	}
	return resp.Text, nil
}
