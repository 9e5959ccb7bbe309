package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to an external transcriber. The command gets
// "--audio <file.wav>" plus optional model and language flags and must
// print {"text": "...", "confidence": 0.9} on stdout.
type execRecognizer struct {
	cmd   []string
	cfg   config.STTConfig
	mu    sync.Mutex
	ready bool
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Initialize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return fmt.Errorf("locate stt command: %w", err)
	}
	r.ready = true
	return nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, segment audio.Segment) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return TranscriptResult{}, ErrNotInitialized
	}

	file, err := os.CreateTemp("", "loqa_dictate_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(segment.Data); err != nil {
		file.Close()
		return TranscriptResult{}, fmt.Errorf("write segment: %w", err)
	}
	if err := file.Close(); err != nil {
		return TranscriptResult{}, fmt.Errorf("close segment file: %w", err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func (r *execRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = false
	return nil
}
