// Package camera acquires frames for inference. A Source produces frames;
// the Loader runs a source on a background goroutine and always keeps the
// most recent frame available, so a slow inference pass never reads a frame
// that aged through the driver's buffer queue.
package camera

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frame is one captured image plus the metadata that travels with it
// through the pipeline.
type Frame struct {
	TraceID   string
	Image     *image.RGBA
	Timestamp time.Time
}

// Source produces frames from some device or stream.
type Source interface {
	// Open prepares the device. It must be called before Next.
	Open(ctx context.Context) error
	// Next blocks until a frame is available or ctx is done.
	Next(ctx context.Context) (*image.RGBA, error)
	// Close releases the device. Safe to call more than once.
	Close() error
}

// Loader drains a Source continuously and hands out the latest frame on
// demand. While inference runs, capture keeps going in the background so
// the next Receive returns a fresh frame rather than a stale buffered one.
type Loader struct {
	source Source

	latest    chan Frame
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLoader opens the source and starts the capture goroutine.
func NewLoader(ctx context.Context, source Source) (*Loader, error) {
	if err := source.Open(ctx); err != nil {
		return nil, fmt.Errorf("camera: open source: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l := &Loader{
		source: source,
		latest: make(chan Frame, 1),
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.run(runCtx)
	return l, nil
}

func (l *Loader) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		img, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("camera: capture failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		frame := Frame{
			TraceID:   uuid.New().String(),
			Image:     img,
			Timestamp: time.Now(),
		}

		// Single-slot mailbox: replace a pending frame instead of queueing.
		select {
		case l.latest <- frame:
		default:
			select {
			case <-l.latest:
			default:
			}
			select {
			case l.latest <- frame:
			default:
			}
		}
	}
}

// Receive blocks until a frame is available or ctx is done. The frame
// returned is always the most recently captured one.
func (l *Loader) Receive(ctx context.Context) (Frame, error) {
	select {
	case frame := <-l.latest:
		return frame, nil
	case <-ctx.Done():
		return Frame{}, fmt.Errorf("camera: receive: %w", ctx.Err())
	}
}

// Close stops the capture goroutine, waits for it to exit, and closes the
// source. Idempotent.
func (l *Loader) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		err = l.source.Close()
	})
	return err
}
