package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external command per utterance. The command reads one
// JSON request on stdin and writes JSON lines carrying base64 audio.
type execSynth struct {
	cmd []string
}

type execRequest struct {
	Text   string      `json:"text"`
	Params VoiceParams `json:"params"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"final"`
	Error       string `json:"error,omitempty"`
}

func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, text string, params VoiceParams) ([]byte, error) {
	data, err := json.Marshal(execRequest{Text: text, Params: params})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start tts command: %v", ErrNetwork, err)
	}

	var audio bytes.Buffer
	var respErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			respErr = fmt.Errorf("%w: decode tts output: %v", ErrBadRequest, err)
			break
		}
		if resp.Error != "" {
			respErr = fmt.Errorf("%w: %s", ErrBadRequest, resp.Error)
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			respErr = fmt.Errorf("%w: decode audio: %v", ErrBadRequest, err)
			break
		}
		audio.Write(chunk)
		if resp.Final {
			break
		}
	}
	if respErr == nil {
		respErr = scanner.Err()
	}
	// drain so the command can exit if we stopped reading early
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if respErr != nil {
		return nil, respErr
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, ctxErr)
		}
		return nil, fmt.Errorf("%w: tts command failed: %v", ErrNetwork, waitErr)
	}
	return audio.Bytes(), nil
}
