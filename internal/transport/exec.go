package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/bestZwei/AIBC/internal/segment"
	"github.com/mattn/go-shellwords"
)

// ExecSynth runs a local speech command. The command reads one JSON request
// on stdin and writes JSON lines carrying base64 audio on stdout. Voices are
// reduced to their language code, so output fidelity is lower than remote.
type ExecSynth struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Rate     int    `json:"rate"`
	Pitch    int    `json:"pitch"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	MIME        string `json:"mime"`
}

func NewExecSynth(command string) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command empty")
	}
	return &ExecSynth{cmd: args}, nil
}

func (e *ExecSynth) Name() string { return "local" }

func (e *ExecSynth) Synthesize(ctx context.Context, req SpeechRequest) (*segment.AudioUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Text:     req.Text,
		Language: languageOf(req.Voice),
		Rate:     req.Rate,
		Pitch:    req.Pitch,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start speech command: %w", err)
	}

	var (
		audio []byte
		mime  string
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			e.abort(cmd)
			return nil, fmt.Errorf("decode speech command output: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			e.abort(cmd)
			return nil, fmt.Errorf("decode speech audio: %w", err)
		}
		audio = append(audio, chunk...)
		if resp.MIME != "" {
			mime = resp.MIME
		}
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("speech command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("speech command produced no audio")
	}
	if mime == "" {
		mime = "audio/wav"
	}
	return &segment.AudioUnit{Data: audio, MIME: mime, Backend: e.Name()}, nil
}

// abort stops a command whose output is being abandoned so Wait cannot
// block on a child still writing to the pipe.
func (e *ExecSynth) abort(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

// languageOf reduces a voice such as "zh-CN-XiaoxiaoNeural" to "zh".
func languageOf(voice string) string {
	lang, _, _ := strings.Cut(voice, "-")
	if lang == "" {
		return "zh"
	}
	return strings.ToLower(lang)
}
