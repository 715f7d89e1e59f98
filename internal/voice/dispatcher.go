// Package voice runs one realtime voice conversation: it wires the
// microphone to the relay socket, routes inbound relay events into the chat
// state and schedules the assistant's audio for playback.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/internal/observe"
	"github.com/MrWong99/billvoice/pkg/audio"
	"github.com/MrWong99/billvoice/pkg/audio/playback"
	"github.com/MrWong99/billvoice/pkg/realtime"
)

// autofillTimeout bounds one bill delivery started by a finished transcript.
const autofillTimeout = 10 * time.Second

// Player plays the assistant's streamed audio. [*playback.Scheduler]
// satisfies it.
type Player interface {
	Enqueue(payload string) error
	Cancel()
}

var _ Player = (*playback.Scheduler)(nil)

// Dispatcher routes inbound relay events. Dispatch is called from a single
// goroutine, in receipt order.
type Dispatcher struct {
	state    *chat.State
	player   Player
	autofill chat.Autofill
	bargeIn  atomic.Bool
	metrics  *observe.Metrics

	wg sync.WaitGroup
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithAutofill delivers bill data found in finished assistant transcripts.
func WithAutofill(a chat.Autofill) DispatcherOption {
	return func(d *Dispatcher) { d.autofill = a }
}

// WithBargeIn makes user speech cancel the assistant's playback.
func WithBargeIn(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.bargeIn.Store(enabled) }
}

// WithMetrics records event counters on m.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher returns a Dispatcher that mutates state and feeds player.
func NewDispatcher(state *chat.State, player Player, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{state: state, player: player}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch applies one event. Unknown event types are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, ev realtime.Event) {
	if d.metrics != nil {
		d.metrics.RecordEvent(ctx, string(ev.Type))
	}

	switch ev.Type {
	case realtime.EventConnectionEstablished:
		d.state.SetReady(true)
		d.state.SetStatus(chat.Status{Kind: chat.StatusReady})

	case realtime.EventSessionCreated:
		d.state.SetStatus(chat.Status{Kind: chat.StatusListening})

	case realtime.EventSpeechStarted:
		d.state.SetUserSpeaking(true)
		d.state.SetStatus(chat.Status{Kind: chat.StatusUserSpeaking})
		if d.bargeIn.Load() {
			d.player.Cancel()
			d.state.SetAssistantSpeaking(false)
		}

	case realtime.EventSpeechStopped:
		d.state.SetUserSpeaking(false)
		d.state.SetStatus(chat.Status{Kind: chat.StatusProcessing})

	case realtime.EventInputTranscriptCompleted:
		d.state.Append(chat.RoleUser, ev.Transcript)

	case realtime.EventResponseCreated:
		d.state.SetStatus(chat.Status{Kind: chat.StatusResponding})
		d.state.SetAssistantSpeaking(true)

	case realtime.EventAudioDelta:
		if err := d.player.Enqueue(ev.Delta); err != nil {
			if errors.Is(err, playback.ErrDecode) {
				slog.Warn("voice: skipping undecodable audio delta", "err", err)
				return
			}
			slog.Debug("voice: audio delta not enqueued", "err", err)
		}

	case realtime.EventTranscriptDelta:
		d.state.AppendTranscript(ev.Delta)

	case realtime.EventTranscriptDone:
		msg, ok := d.state.FinalizeTranscript(ev.Transcript)
		if !ok {
			return
		}
		if _, bill := chat.ExtractReply(msg.Text); bill != nil {
			d.state.SetBill(bill, bill.Missing())
			d.deliver(ctx, bill)
		}

	case realtime.EventResponseDone:
		d.state.SetStatus(chat.Status{Kind: chat.StatusListening})
		d.state.ClearTranscript()
		d.state.SetAssistantSpeaking(false)

	case realtime.EventError:
		slog.Warn("voice: relay reported error", "message", ev.ErrorMessage)
		d.state.SetStatus(chat.Status{Kind: chat.StatusError, Detail: ev.ErrorMessage})

	default:
		slog.Debug("voice: ignoring event", "type", ev.Type)
	}
}

// SetBargeIn changes the barge-in behaviour of subsequent events.
func (d *Dispatcher) SetBargeIn(enabled bool) {
	d.bargeIn.Store(enabled)
}

// Wait blocks until every bill delivery started by Dispatch has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver hands bill to the autofill collaborator off the dispatch
// goroutine. It outlives the session context.
func (d *Dispatcher) deliver(ctx context.Context, bill chat.BillInfo) {
	if d.autofill == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), autofillTimeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		status := "ok"
		if err := d.autofill.Autofill(ctx, bill); err != nil {
			status = "error"
			slog.Warn("voice: bill autofill failed", "err", err)
		}
		if d.metrics != nil {
			d.metrics.RecordAutofill(ctx, status)
		}
	}()
}

// PlaybackHooks returns scheduler hooks that record chunk outcomes on m.
func PlaybackHooks(m *observe.Metrics) playback.Hooks {
	ctx := context.Background()
	return playback.Hooks{
		OnScheduled: func(samples int, _ time.Duration) {
			m.RecordChunk(ctx, observe.ChunkScheduled)
			m.PlaybackScheduled.Add(ctx, audio.Duration(samples).Seconds())
		},
		OnDuplicate: func() {
			m.RecordChunk(ctx, observe.ChunkDuplicate)
		},
		OnDecodeError: func(error) {
			m.RecordChunk(ctx, observe.ChunkDecodeError)
		},
		OnCancel: func() {
			m.PlaybackCancels.Add(ctx, 1)
		},
	}
}
