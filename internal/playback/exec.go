package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/bestZwei/AIBC/internal/segment"
)

// DefaultCommand plays a file with ffplay and exits when done.
const DefaultCommand = "ffplay -nodisp -autoexit -loglevel quiet -volume {volume} {file}"

// ExecPlayer plays units by writing them to a temp file and running an
// external command. {file} and {volume} (0-100) are substituted in the
// command arguments.
type ExecPlayer struct {
	cmd    []string
	dir    string
	logger *slog.Logger
}

func NewExecPlayer(command, tempDir string, logger *slog.Logger) (*ExecPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &ExecPlayer{cmd: args, dir: tempDir, logger: logger.With(slog.String("component", "player"))}, nil
}

func (p *ExecPlayer) Load(unit *segment.AudioUnit, volume float64) (Track, error) {
	if unit == nil {
		return nil, ErrNoAudio
	}
	if unit.Silent() {
		return newSilentTrack(), nil
	}
	f, err := os.CreateTemp(p.dir, "aibc-*"+extensionFor(unit.MIME))
	if err != nil {
		return nil, fmt.Errorf("create audio file: %w", err)
	}
	if _, err := f.Write(unit.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("close audio file: %w", err)
	}

	level := strconv.Itoa(int(volume*100 + 0.5))
	args := make([]string, len(p.cmd))
	for i, a := range p.cmd {
		a = strings.ReplaceAll(a, "{file}", f.Name())
		args[i] = strings.ReplaceAll(a, "{volume}", level)
	}
	return &execTrack{
		cmd:    exec.Command(args[0], args[1:]...),
		file:   f.Name(),
		done:   make(chan struct{}),
		logger: p.logger,
	}, nil
}

type execTrack struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	file    string
	started bool
	paused  bool
	once    sync.Once
	done    chan struct{}
	logger  *slog.Logger
}

func (t *execTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	if err := t.cmd.Start(); err != nil {
		t.finish()
		return fmt.Errorf("start player: %w", err)
	}
	t.started = true
	go func() {
		if err := t.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				t.logger.Debug("player exited", slog.String("error", err.Error()))
			}
		}
		t.finish()
	}()
	return nil
}

func (t *execTrack) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.paused {
		return nil
	}
	if err := suspend(t.cmd.Process); err != nil {
		return err
	}
	t.paused = true
	return nil
}

func (t *execTrack) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || !t.paused {
		return nil
	}
	if err := resume(t.cmd.Process); err != nil {
		return err
	}
	t.paused = false
	return nil
}

func (t *execTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.finish()
		return nil
	}
	if t.paused {
		_ = resume(t.cmd.Process)
		t.paused = false
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (t *execTrack) Done() <-chan struct{} { return t.done }

func (t *execTrack) finish() {
	t.once.Do(func() {
		os.Remove(t.file)
		close(t.done)
	})
}

func extensionFor(mime string) string {
	switch {
	case strings.Contains(mime, "wav"):
		return ".wav"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	case strings.Contains(mime, "webm"):
		return ".webm"
	case strings.Contains(mime, "aac"):
		return ".aac"
	default:
		return ".mp3"
	}
}
