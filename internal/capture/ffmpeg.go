package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/ports"
)

var permissionMarkers = []string{
	"permission denied",
	"operation not permitted",
	"no such device",
	"no such file or directory",
	"device or resource busy",
}

// FFMPEGMicrophone captures microphone PCM audio with ffmpeg
type FFMPEGMicrophone struct {
	command string
	// startWait is the time ffmpeg must survive to count as started
	startWait time.Duration
}

// NewFFMPEGMicrophone creates microphone, command defaults to ffmpeg
func NewFFMPEGMicrophone(command string) *FFMPEGMicrophone {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGMicrophone{command: command, startWait: 250 * time.Millisecond}
}

// Open starts ffmpeg with the requested constraints
func (m *FFMPEGMicrophone) Open(ctx context.Context, c ports.Constraints) (ports.MicStream, error) {
	args := ffmpegArgs(c)
	goapp.Log.Debug().Str("cmd", m.command).Strs("args", args).Msg("open microphone")

	cmd := exec.CommandContext(ctx, m.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.DeviceError{Err: fmt.Errorf("create ffmpeg stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &domain.DeviceError{Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	// stdout is drained before Wait, Wait closes the pipe
	pr, pw := io.Pipe()
	waitErr := make(chan error, 1)
	go func() {
		_, _ = io.Copy(pw, stdout)
		waitErr <- cmd.Wait()
		close(waitErr)
		_ = pw.Close()
	}()

	select {
	case err := <-waitErr:
		msg := trimSpaceSafe(stderr.String())
		if err == nil {
			err = errors.New("ffmpeg exited before capture started")
		} else {
			err = fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, msg)
		}
		return nil, classify(err, msg)
	case <-time.After(m.startWait):
	}

	return &ffmpegStream{out: pr, stdout: stdout, stderr: &stderr, process: cmd.Process, waitErr: waitErr}, nil
}

func ffmpegArgs(c ports.Constraints) []string {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	device := c.Device
	if c.EchoCancellation && c.EchoCancelDevice != "" {
		device = c.EchoCancelDevice
	}
	if device == "" {
		device = "default"
	}
	res := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.InputFormat,
		"-i", device,
	}
	var filters []string
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if c.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		res = append(res, "-af", strings.Join(filters, ","))
	}
	return append(res,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "s16le",
		"-",
	)
}

// classify maps ffmpeg output to a permission or device error
func classify(err error, stderr string) error {
	low := strings.ToLower(stderr)
	for _, m := range permissionMarkers {
		if strings.Contains(low, m) {
			return &domain.PermissionError{Err: err}
		}
	}
	return &domain.DeviceError{Err: err}
}

type ffmpegStream struct {
	out    *io.PipeReader
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

func (s *ffmpegStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			// unblocks the copy when nobody reads or a child keeps stdout open
			_ = s.out.Close()
			_ = s.stdout.Close()
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}
		_ = s.out.Close()

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimSpaceSafe(s.stderr.String()))
		}
	})
	return s.stopErr
}

// normalizeStopErr ignores the exit status of an interrupted process
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return strings.TrimSpace(input)
}
