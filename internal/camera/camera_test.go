package camera

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSource produces numbered frames on demand.
type fakeSource struct {
	openErr error
	seq     atomic.Int32
	closed  atomic.Int32
}

func (s *fakeSource) Open(context.Context) error { return s.openErr }

func (s *fakeSource) Next(ctx context.Context) (*image.RGBA, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	n := s.seq.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Pix[0] = uint8(n)
	return img, nil
}

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

// TestLoaderDeliversFrames verifies frames flow with fresh trace IDs and
// monotonically advancing content.
func TestLoaderDeliversFrames(t *testing.T) {
	l, err := NewLoader(context.Background(), &fakeSource{})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := l.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if first.TraceID == "" || first.Image == nil {
		t.Fatalf("incomplete frame: %+v", first)
	}

	second, err := l.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if second.TraceID == first.TraceID {
		t.Error("trace IDs must be unique per frame")
	}
	if second.Image.Pix[0] <= first.Image.Pix[0] {
		t.Errorf("frames out of order: %d then %d", first.Image.Pix[0], second.Image.Pix[0])
	}
}

// TestLoaderKeepsLatest verifies a slow consumer receives the most recent
// frame, not the oldest queued one.
func TestLoaderKeepsLatest(t *testing.T) {
	src := &fakeSource{}
	l, err := NewLoader(context.Background(), src)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	// Let capture run well ahead of us.
	for src.seq.Load() < 20 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := l.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if frame.Image.Pix[0] < 15 {
		t.Errorf("received stale frame %d with %d captured", frame.Image.Pix[0], src.seq.Load())
	}
}

// TestLoaderOpenFailure verifies a source that cannot open fails
// construction.
func TestLoaderOpenFailure(t *testing.T) {
	src := &fakeSource{openErr: errors.New("device busy")}
	if _, err := NewLoader(context.Background(), src); err == nil {
		t.Fatal("expected open error")
	}
}

// TestLoaderCloseIdempotent verifies Close joins the capture goroutine,
// closes the source once, and tolerates repeat calls.
func TestLoaderCloseIdempotent(t *testing.T) {
	src := &fakeSource{}
	l, err := NewLoader(context.Background(), src)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := src.closed.Load(); got != 1 {
		t.Errorf("source closed %d times, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Receive(ctx); err == nil {
		// A frame may legitimately still sit in the mailbox; drain once
		// and the next receive must block until timeout.
		if _, err := l.Receive(ctx); err == nil {
			t.Error("Receive kept producing frames after Close")
		}
	}
}
