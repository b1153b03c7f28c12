// Package sink delivers gateway events to their consumers.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/byte4byte/b4b/internal/event"
)

type Sink interface {
	Start(ctx context.Context) error
	Enqueue(e event.Event) error
	Close() error
	Name() string // sink name for metrics and logging
}

// Fanout delivers each event to every sink. A failing sink does not stop
// delivery to the others.
type Fanout struct {
	sinks   []Sink
	onError func(sink string)
}

// NewFanout wraps sinks; onError, when set, is called once per failed
// delivery with the sink's name.
func NewFanout(onError func(sink string), sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, onError: onError}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Start(ctx context.Context) error {
	for _, s := range f.sinks {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start %s sink: %w", s.Name(), err)
		}
	}
	return nil
}

func (f *Fanout) Enqueue(e event.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Enqueue(e); err != nil {
			if f.onError != nil {
				f.onError(s.Name())
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes sinks in reverse start order.
func (f *Fanout) Close() error {
	var errs []error
	for i := len(f.sinks) - 1; i >= 0; i-- {
		if err := f.sinks[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.sinks[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Names lists the wrapped sinks.
func (f *Fanout) Names() []string {
	out := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		out[i] = s.Name()
	}
	return out
}
