package bus

import (
	"context"
	"time"

	"github.com/focuskit/focusd/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler receives raw envelopes from a transport's delivery goroutine.
type Handler func(env Envelope)

// Transport is one delivery channel. Publish is at-most-once and carries no
// ordering guarantee; subscription happens before Start on implementations
// that need it.
type Transport interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(h Handler)
	Close() error
}

// Sink receives validated, deduplicated messages from the adapter.
type Sink interface {
	HandleFocusStateChanged(ctx context.Context, msg FocusStateChanged)
	HandleRecordOverride(ctx context.Context, msg RecordOverride)
}

// Adapter composes the delivery channels. Inbound envelopes are validated,
// deduplicated by id across channels, and forwarded to the sink; outbound
// messages fan out to every channel under a fresh envelope id.
type Adapter struct {
	source     string
	transports []Transport
	seen       *ProcessedSet
	sink       Sink
	logger     zerolog.Logger
}

// NewAdapter creates an adapter identified by source on the wire.
func NewAdapter(source string, seen *ProcessedSet, sink Sink, logger zerolog.Logger, transports ...Transport) *Adapter {
	return &Adapter{
		source:     source,
		transports: transports,
		seen:       seen,
		sink:       sink,
		logger:     logger.With().Str("component", "bus").Logger(),
	}
}

// Start wires the adapter into every transport.
func (a *Adapter) Start() {
	for _, tr := range a.transports {
		tr.Subscribe(a.handle)
	}
}

// Close closes all transports.
func (a *Adapter) Close() error {
	var firstErr error
	for _, tr := range a.transports {
		if err := tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast publishes the message on every channel. The envelope id is
// marked processed up front so our own loopback copies are suppressed.
// Publish failures on individual channels are logged, not propagated; the
// protocol tolerates lost messages.
func (a *Adapter) Broadcast(ctx context.Context, msg Message) {
	env, err := Encode(msg, uuid.NewString(), a.source, time.Now())
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode outbound message")
		return
	}

	a.seen.Seen(env.ID)

	for _, tr := range a.transports {
		if err := tr.Publish(ctx, env); err != nil {
			a.logger.Warn().Err(err).Str("type", env.Type).Msg("Failed to publish on channel")
		}
	}
}

func (a *Adapter) handle(env Envelope) {
	msg, err := Decode(env)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("invalid").Inc()
		a.logger.Warn().Err(err).Str("type", env.Type).Str("id", env.ID).Msg("Dropping invalid message")
		return
	}

	if a.seen.Seen(env.ID) {
		metrics.MessagesDeduplicated.Inc()
		a.logger.Debug().Str("id", env.ID).Msg("Suppressing duplicate message")
		return
	}

	ctx := context.Background()
	switch m := msg.(type) {
	case FocusStateChanged:
		a.sink.HandleFocusStateChanged(ctx, m)
	case RecordOverride:
		a.sink.HandleRecordOverride(ctx, m)
	}
}
