package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-yomiage/internal/protocol"
	"github.com/loqalabs/loqa-yomiage/internal/session"
)

// Publisher announces recorded events on the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Recorder persists session events on a background worker. Record never
// blocks: events arriving while the buffer is full are counted and dropped.
type Recorder struct {
	store     *Store
	publisher Publisher
	log       *slog.Logger

	events  chan session.Event
	dropped atomic.Int64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRecorder starts the writer. publisher may be nil.
func NewRecorder(store *Store, publisher Publisher, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:     store,
		publisher: publisher,
		log:       log.With(slog.String("component", "event-recorder")),
		events:    make(chan session.Event, buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Record(evt session.Event) {
	select {
	case <-r.stop:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.events <- evt:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("event buffer full, dropping events", slog.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case evt := <-r.events:
			r.write(evt)
		case <-r.stop:
			for {
				select {
				case evt := <-r.events:
					r.write(evt)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(evt session.Event) {
	if err := r.store.AppendEvent(context.Background(), Event{
		GuildID:   evt.GuildID,
		Type:      evt.Type,
		Detail:    evt.Detail,
		CreatedAt: evt.At,
	}); err != nil {
		r.log.Warn("failed to persist event",
			slog.String("guild_id", evt.GuildID),
			slog.String("type", evt.Type),
			slog.String("error", err.Error()))
	}
	if r.publisher == nil {
		return
	}
	msg := protocol.SessionEvent{GuildID: evt.GuildID, Type: evt.Type, Detail: evt.Detail, At: evt.At}
	if err := r.publisher.PublishJSON(protocol.GuildSubject(evt.GuildID, protocol.KindEvent), msg); err != nil {
		r.log.Debug("failed to publish event", slog.String("error", err.Error()))
	}
}

// Close flushes buffered events and stops the writer.
func (r *Recorder) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
