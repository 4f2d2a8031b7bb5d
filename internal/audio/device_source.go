package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// DeviceSource captures microphone audio by spawning an external capture
// command (arecord, sox, ffmpeg) and reading raw PCM16 from its stdout. The
// command receives the sample rate and, when a device index is selected, the
// device to open.
type DeviceSource struct {
	command     string
	sampleRate  int
	frameSize   int
	deviceIndex int

	mu     sync.Mutex
	cancel context.CancelFunc
	stdout io.ReadCloser
	cmd    *exec.Cmd
	seq    uint64
	closed bool
}

func NewDeviceSource(command string, sampleRate, frameSize, deviceIndex int) *DeviceSource {
	return &DeviceSource{
		command:     command,
		sampleRate:  sampleRate,
		frameSize:   frameSize,
		deviceIndex: deviceIndex,
	}
}

// Open starts the capture process. The process lifetime is tied to Close,
// not to the passed context, so a session can keep reading while its start
// context unwinds.
func (s *DeviceSource) Open(_ context.Context) error {
	parser := shellwords.NewParser()
	args, err := parser.Parse(s.command)
	if err != nil {
		return fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("capture command is empty")
	}

	args = append(args, "--rate", strconv.Itoa(s.sampleRate))
	if s.deviceIndex >= 0 {
		args = append(args, "--device", strconv.Itoa(s.deviceIndex))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start capture command: %w", err)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.stdout = stdout
	s.cmd = cmd
	s.mu.Unlock()
	return nil
}

func (s *DeviceSource) ReadFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, ErrSourceClosed
	}
	stdout := s.stdout
	s.mu.Unlock()

	if stdout == nil {
		return Frame{}, ErrSourceClosed
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	pcm := make([]byte, s.frameSize)
	if _, err := io.ReadFull(stdout, pcm); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Frame{}, ErrSourceClosed
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read capture stream: %w", err)
	}

	s.mu.Lock()
	frame := Frame{PCM: pcm, Seq: s.seq, Captured: time.Now()}
	s.seq++
	s.mu.Unlock()
	return frame, nil
}

func (s *DeviceSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	stdout := s.stdout
	cmd := s.cmd
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stdout != nil {
		_ = stdout.Close()
	}
	if cmd != nil {
		_ = cmd.Wait()
	}
	return nil
}
