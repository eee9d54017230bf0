// Package quickcam pumps webcam frames out of the printer on demand. The
// capture loop starts lazily on the first snapshot or stream request, keeps
// the most recent JPEG available to any number of concurrent consumers, and
// tears itself down after a minute of nobody asking (unless a print is
// running, where keeping it warm saves first-frame latency).
package quickcam

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/printnest/bambulink/engine"
	"github.com/printnest/bambulink/modules/state"
)

const (
	idleTimeout     = 60 * time.Second
	snapshotWait    = 4 * time.Second
	snapshotKicks   = 2
	variantWait     = 10 * time.Second
	maxVariantFails = 5
)

type Config struct {
	Host        string
	AccessToken string
	Debug       bool
}

type Pump struct {
	conf  Config
	cache *state.Cache

	current     atomic.Pointer[[]byte]
	lastRequest atomic.Int64 // unix nanos of the most recent consumer access

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	ready       chan struct{} // closed and replaced on every new frame
	subscribers map[uint64]func(jpeg []byte)
	nextSubID   uint64
}

func New(conf Config, cache *state.Cache) *Pump {
	return &Pump{
		conf:        conf,
		cache:       cache,
		ready:       make(chan struct{}),
		subscribers: map[uint64]func([]byte){},
	}
}

// GetCurrentImage returns the most recent frame, waiting for the capture
// loop to produce one if necessary. Returns nil after ~8s of nothing.
func (p *Pump) GetCurrentImage() []byte {
	p.touch()

	for attempt := 0; attempt < snapshotKicks; attempt++ {
		p.ensureRunning()
		if img := p.current.Load(); img != nil {
			return *img
		}

		p.mu.Lock()
		ready := p.ready
		p.mu.Unlock()

		select {
		case <-ready:
			if img := p.current.Load(); img != nil {
				return *img
			}
		case <-time.After(snapshotWait):
		}
	}
	if img := p.current.Load(); img != nil {
		return *img
	}
	return nil
}

// AttachImageStream registers a per-frame callback and returns its detach
// function. While any stream subscriber exists the capture loop never idles
// out.
func (p *Pump) AttachImageStream(fn func(jpeg []byte)) (detach func()) {
	p.touch()

	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	p.mu.Unlock()

	p.ensureRunning()
	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

func (p *Pump) touch() {
	p.lastRequest.Store(time.Now().UnixNano())
}

func (p *Pump) idle() bool {
	return time.Since(time.Unix(0, p.lastRequest.Load())) > idleTimeout
}

// shouldStop is consulted between frames: quit once nobody has asked for a
// minute and no print is running.
func (p *Pump) shouldStop() bool {
	return p.idle() && !p.cache.IsPrinting(true)
}

func (p *Pump) ensureRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	go p.captureLoop(ctx)
}

// Stop tears down the capture loop, if running.
func (p *Pump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pump) captureLoop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.cancel = nil
		p.mu.Unlock()
		slog.Info("webcam capture stopped")
	}()

	failures := 0
	for {
		if ctx.Err() != nil || p.shouldStop() {
			return
		}

		var err error
		if p.useRTSP(ctx) {
			err = p.runRTSP(ctx)
		} else {
			err = p.runFramedJPEG(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0 // clean exit (idle); loop re-checks shouldStop
			continue
		}

		failures++
		slog.Warn("webcam capture failed", "error", err, "failures", failures)
		if failures >= maxVariantFails {
			slog.Error("giving up on webcam capture after repeated failures")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// useRTSP picks the transport variant: X1-family printers expose an RTSP URL
// in their state, everything else speaks the framed-JPEG port. Waits briefly
// for the state cache to fill after a fresh connection.
func (p *Pump) useRTSP(ctx context.Context) bool {
	deadline := time.Now().Add(variantWait)
	for !p.cache.HasState() && time.Now().Before(deadline) && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-time.After(250 * time.Millisecond):
		}
	}
	snap := p.cache.Snapshot()
	return snap.RTSPURL != nil && *snap.RTSPURL != ""
}

// publishFrame stores the newest frame, wakes snapshot waiters, and fans out
// to stream subscribers. A panicking subscriber doesn't affect the others.
func (p *Pump) publishFrame(frame []byte) {
	p.current.Store(&frame)

	p.mu.Lock()
	close(p.ready)
	p.ready = make(chan struct{})
	subs := make([]func([]byte), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	if len(subs) > 0 {
		p.touch()
	}
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("webcam subscriber panicked", "panic", r)
				}
			}()
			fn(frame)
		}()
	}
}

func (p *Pump) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /webcam/snapshot", p.serveSnapshot)
	router.HandleFunc("GET /webcam/stream", p.serveStream)
}

func (p *Pump) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	img := p.GetCurrentImage()
	if img == nil {
		http.Error(w, "No frame available", http.StatusGatewayTimeout)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(img)
}
