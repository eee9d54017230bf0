package quickcam

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// The X1 family only exposes RTSP, so an ffmpeg child transcodes it to a
// stream of JPEGs on stdout. A watchdog restarts the child when frames stop.

const (
	rtspPort         = 322
	rtspFPS          = 15
	frameWatchdog    = 5 * time.Second
	desyncLimit      = 50 * 1024  // discard the buffer if no frame completes within this
	stderrTailLimit  = 100 * 1024 // keep the last ~100KB of ffmpeg chatter
	gracefulQuitWait = 10 * time.Second
	stdoutChunkSize  = 32 * 1024
)

// image2pipe JPEGs open with SOI followed by a comment marker; this prefix
// delimits frames in the byte stream.
var rtspFrameStart = []byte{0xff, 0xd8, 0xff, 0xfe, 0x00, 0x10}

func (p *Pump) runRTSP(ctx context.Context) error {
	level := "warning"
	if p.conf.Debug {
		level = "trace"
	}
	input := fmt.Sprintf("rtsps://bblp:%s@%s:%d/streaming/live/1", p.conf.AccessToken, p.conf.Host, rtspPort)
	cmd := exec.Command("ffmpeg",
		"-hide_banner",
		"-loglevel", level,
		"-rtsp_transport", "udp",
		"-use_wallclock_as_timestamps", "1",
		"-i", input,
		"-vf", fmt.Sprintf("fps=%d", rtspFPS),
		"-movflags", "+faststart",
		"-f", "image2pipe", "-",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating ffmpeg stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	slog.Info("started rtsp transcoder", "host", p.conf.Host)

	tail := &logTail{limit: stderrTailLimit}
	go tail.drain(stderr)
	defer p.teardown(cmd, stdin, tail)

	chunks := make(chan []byte, 8)
	readErr := make(chan error, 1)
	abandoned := make(chan struct{})
	defer close(abandoned)
	go readChunks(stdout, chunks, readErr, abandoned)

	var frameBuf []byte
	for {
		if ctx.Err() != nil || p.shouldStop() {
			return nil
		}

		select {
		case chunk := <-chunks:
			frameBuf = append(frameBuf, chunk...)
			frameBuf = p.extractFrames(frameBuf)
			if len(frameBuf) > desyncLimit {
				slog.Warn("discarding desynced rtsp buffer", "bytes", len(frameBuf))
				frameBuf = nil
			}
		case err := <-readErr:
			if err == io.EOF {
				return fmt.Errorf("ffmpeg exited: %s", tail.lastLine())
			}
			return fmt.Errorf("reading ffmpeg output: %w", err)
		case <-time.After(frameWatchdog):
			return fmt.Errorf("no frames from ffmpeg within %s", frameWatchdog)
		case <-ctx.Done():
			return nil
		}
	}
}

// readChunks feeds stdout data into chunks until a read error. Sends select
// on abandoned so the goroutine can still exit once the capture loop has
// stopped receiving; ffmpeg keeps streaming for a moment after an idle stop
// or watchdog restart and would otherwise wedge it on a full channel.
func readChunks(r io.Reader, chunks chan<- []byte, readErr chan<- error, abandoned <-chan struct{}) {
	for {
		buf := make([]byte, stdoutChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case chunks <- buf[:n]:
			case <-abandoned:
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

// extractFrames publishes every complete JPEG in buf and returns the
// unconsumed remainder.
func (p *Pump) extractFrames(buf []byte) []byte {
	for {
		start := bytes.Index(buf, rtspFrameStart)
		if start < 0 {
			return buf
		}
		end := bytes.Index(buf[start+len(rtspFrameStart):], jpegEOI)
		if end < 0 {
			return buf[start:]
		}
		frameEnd := start + len(rtspFrameStart) + end + len(jpegEOI)
		frame := make([]byte, frameEnd-start)
		copy(frame, buf[start:frameEnd])
		p.publishFrame(frame)
		buf = buf[frameEnd:]
	}
}

// teardown stops ffmpeg no matter how the capture loop exited: SIGINT first,
// then a graceful "q" on stdin, SIGKILL as the last resort.
func (p *Pump) teardown(cmd *exec.Cmd, stdin io.WriteCloser, tail *logTail) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGINT)
	stdin.Write([]byte("q\n"))
	stdin.Close()

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(gracefulQuitWait):
		slog.Warn("ffmpeg ignored graceful shutdown, killing it")
		cmd.Process.Kill()
		<-done
	}
	slog.Info("stopped rtsp transcoder", "lastOutput", tail.lastLine())
}

// logTail keeps a bounded suffix of a pipe's output so ffmpeg never stalls on
// a full stderr and its last words are available for diagnostics.
type logTail struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *logTail) drain(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, chunk[:n]...)
			if len(t.buf) > t.limit {
				t.buf = t.buf[len(t.buf)-t.limit:]
			}
			t.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (t *logTail) lastLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	trimmed := bytes.TrimRight(t.buf, "\r\n ")
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return string(trimmed)
}
