package playback_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/billvoice/pkg/audio/mock"
	"github.com/MrWong99/billvoice/pkg/audio/playback"
)

func TestClipPlayer_PlaysToCompletion(t *testing.T) {
	t.Parallel()
	backend := &mock.ClipBackend{}
	p := playback.NewClipPlayer(backend, nil)

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), []byte("clip-1")) }()
	<-backend.Started()
	if !p.Playing() {
		t.Error("Playing() = false during playback")
	}
	backend.Finish()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return")
	}
	if p.Playing() {
		t.Error("Playing() = true after clip finished")
	}
}

func TestClipPlayer_NewClipStopsPrevious(t *testing.T) {
	t.Parallel()
	backend := &mock.ClipBackend{}
	p := playback.NewClipPlayer(backend, nil)

	first := make(chan error, 1)
	go func() { first <- p.Play(context.Background(), []byte("clip-1")) }()
	<-backend.Started()

	second := make(chan error, 1)
	go func() { second <- p.Play(context.Background(), []byte("clip-2")) }()

	select {
	case err := <-first:
		if err != nil {
			t.Errorf("first Play = %v; want nil when superseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first clip was not stopped")
	}
	<-backend.Started()
	backend.Finish()
	if err := <-second; err != nil {
		t.Errorf("second Play = %v", err)
	}
}

func TestClipPlayer_ParentCancelIsReported(t *testing.T) {
	t.Parallel()
	backend := &mock.ClipBackend{}
	p := playback.NewClipPlayer(backend, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Play(ctx, []byte("clip")) }()
	<-backend.Started()
	cancel()

	if err := <-done; err != context.Canceled {
		t.Errorf("Play = %v; want context.Canceled", err)
	}
}

func TestClipPlayer_EmptyClipIsNoOp(t *testing.T) {
	t.Parallel()
	backend := &mock.ClipBackend{}
	p := playback.NewClipPlayer(backend, nil)
	if err := p.Play(context.Background(), nil); err != nil {
		t.Fatalf("Play(nil) = %v", err)
	}
	if len(backend.Clips) != 0 {
		t.Errorf("backend got %d clips; want 0", len(backend.Clips))
	}
}

func TestExclusive_AcquireReleasesPrevious(t *testing.T) {
	t.Parallel()
	var ex playback.Exclusive
	a, b := &countingReleaser{}, &countingReleaser{}

	ex.Acquire(a)
	ex.Acquire(a)
	if a.n != 0 {
		t.Errorf("re-acquire released owner %d times; want 0", a.n)
	}
	ex.Acquire(b)
	if a.n != 1 {
		t.Errorf("a released %d times; want 1", a.n)
	}
	ex.Drop(a)
	if ex.Owner() != playback.Releaser(b) {
		t.Error("Drop by non-owner cleared ownership")
	}
	ex.Drop(b)
	if ex.Owner() != nil {
		t.Error("Owner() != nil after Drop by owner")
	}
}

type countingReleaser struct{ n int }

func (c *countingReleaser) Release() { c.n++ }

// gateReleaser blocks in Release until open is closed.
type gateReleaser struct {
	entered chan struct{}
	open    chan struct{}
}

func (g *gateReleaser) Release() {
	close(g.entered)
	<-g.open
}

func TestClipPlayer_YieldsToOwnerTakingDeviceDuringAcquire(t *testing.T) {
	t.Parallel()
	var ex playback.Exclusive
	gate := &gateReleaser{entered: make(chan struct{}), open: make(chan struct{})}
	ex.Acquire(gate)

	backend := &mock.ClipBackend{}
	p := playback.NewClipPlayer(backend, &ex)

	done := make(chan error, 1)
	go func() { done <- p.Play(context.Background(), []byte("clip")) }()

	// Play is inside Acquire, waiting on the previous owner. Another owner
	// takes the device before the previous owner lets go.
	<-gate.entered
	other := &countingReleaser{}
	ex.Acquire(other)
	close(gate.open)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play = %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		backend.Finish()
		t.Fatal("clip kept playing while another owner holds the device")
	}
	if ex.Owner() != playback.Releaser(other) {
		t.Error("device ownership taken back from the newer owner")
	}
	if p.Playing() {
		t.Error("Playing() = true after yielding the device")
	}
}
