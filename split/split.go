// Package split partitions one mail store into many, naming each destination
// from the headers of the messages it receives.
package split

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dhcgn/mailsplit/header"
	"github.com/dhcgn/mailsplit/model"
	"github.com/dhcgn/mailsplit/namer"
	"github.com/dhcgn/mailsplit/stats"
	"github.com/dhcgn/mailsplit/store"
)

var (
	ErrNoTemplate          = errors.New("destination template is required")
	ErrDestinationIsSource = errors.New("destination is the source store")
)

// Options controls a single split run.
type Options struct {
	Template *namer.Template

	// Filter selects the messages to process. Nil selects every message.
	Filter func(model.Message) bool

	// Copy leaves delivered messages in the source.
	Copy bool

	// DryRun logs every action without opening destinations or touching
	// the source.
	DryRun bool

	// SkipInvalid leaves messages with a malformed date or an unrenderable
	// destination in the source instead of aborting the run.
	SkipInvalid bool
}

// Splitter runs splits, opening destination stores through open.
type Splitter struct {
	open   store.Opener
	logger *slog.Logger
}

// New returns a Splitter. A nil logger discards all output.
func New(open store.Opener, logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Splitter{open: open, logger: logger}
}

type delivery struct {
	key         string
	date        time.Time
	destination string
}

// Split moves or copies every selected message of source into the store
// named by rendering opts.Template against the message. Destinations and
// dates are computed for all messages before any store is modified, so a
// malformed message aborts the run with nothing written. source is closed
// before Split returns.
func (s *Splitter) Split(ctx context.Context, source store.Store, opts Options) (summary stats.Summary, err error) {
	collector := stats.NewCollector()
	started := time.Now()

	defer func() {
		if closeErr := source.Close(); closeErr != nil && err == nil {
			err = store.Wrap("close", source.Path(), closeErr)
		}
		if err != nil {
			collector.Record(stats.Event{Type: stats.EventTypeError, Err: err})
		}
		summary = collector.Snapshot()

		attrs := append(summary.LogAttrs(), "source", source.Path(), "dryRun", opts.DryRun, "duration", time.Since(started))
		if err != nil {
			s.logger.Error("split failed", append(attrs, "err", err)...)
			return
		}
		s.logger.Info("split completed", attrs...)
	}()

	if opts.Template == nil {
		return summary, ErrNoTemplate
	}

	plan, err := s.plan(ctx, source, opts, collector)
	if err != nil {
		return summary, err
	}

	for _, d := range plan {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		s.logger.Info("saving message", "key", d.key, "date", d.date, "destination", d.destination)
		if opts.DryRun {
			collector.Record(stats.Event{Type: stats.EventTypeDryRunDelivered, Key: d.key, Destination: d.destination})
		} else {
			if err := s.deliver(source, d); err != nil {
				return summary, err
			}
			collector.Record(stats.Event{Type: stats.EventTypeDelivered, Key: d.key, Destination: d.destination})
		}

		if opts.Copy {
			continue
		}

		s.logger.Info("removing message", "key", d.key, "date", d.date)
		if opts.DryRun {
			collector.Record(stats.Event{Type: stats.EventTypeDryRunRemoved, Key: d.key})
			continue
		}
		if err := s.remove(source, d.key); err != nil {
			return summary, err
		}
		collector.Record(stats.Event{Type: stats.EventTypeRemoved, Key: d.key})
	}

	return summary, nil
}

func (s *Splitter) plan(ctx context.Context, source store.Store, opts Options, collector *stats.Collector) ([]delivery, error) {
	keys, err := source.Keys()
	if err != nil {
		return nil, store.Wrap("enumerate", source.Path(), err)
	}

	sourcePath := filepath.Clean(source.Path())
	plan := make([]delivery, 0, len(keys))

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := source.Message(key)
		if err != nil {
			return nil, store.Wrap("read", source.Path(), err)
		}
		collector.Record(stats.Event{Type: stats.EventTypeScanned, Key: key})

		if opts.Filter != nil && !opts.Filter(msg) {
			s.logger.Debug("message filtered", "key", key)
			collector.Record(stats.Event{Type: stats.EventTypeFiltered, Key: key})
			continue
		}

		d, err := s.route(msg, opts.Template)
		if err != nil {
			if opts.SkipInvalid && skippable(err) {
				s.logger.Warn("skipping message", "key", key, "err", err)
				collector.Record(stats.Event{Type: stats.EventTypeSkipped, Key: key, Err: err})
				continue
			}
			return nil, fmt.Errorf("message %s: %w", key, err)
		}

		if filepath.Clean(d.destination) == sourcePath {
			return nil, fmt.Errorf("message %s: %w: %s", key, ErrDestinationIsSource, d.destination)
		}

		plan = append(plan, d)
	}

	return plan, nil
}

func (s *Splitter) route(msg model.Message, tmpl *namer.Template) (delivery, error) {
	ts, err := header.Date(msg.Header)
	if err != nil {
		return delivery{}, err
	}
	destination, err := tmpl.Render(msg.Header, ts)
	if err != nil {
		return delivery{}, err
	}
	return delivery{key: msg.Key, date: ts, destination: destination}, nil
}

func skippable(err error) bool {
	var dateErr *header.MalformedDateError
	var tmplErr *namer.TemplateError
	return errors.As(err, &dateErr) || errors.As(err, &tmplErr)
}

func (s *Splitter) deliver(source store.Store, d delivery) (err error) {
	msg, err := source.Message(d.key)
	if err != nil {
		return store.Wrap("read", source.Path(), err)
	}

	dst, err := s.open(d.destination, true)
	if err != nil {
		return store.Wrap("open", d.destination, err)
	}
	defer func() {
		if closeErr := dst.Close(); closeErr != nil && err == nil {
			err = store.Wrap("close", d.destination, closeErr)
		}
	}()

	return locked(dst, func() error {
		if err := dst.Append(msg); err != nil {
			return store.Wrap("append", d.destination, err)
		}
		return nil
	})
}

func (s *Splitter) remove(source store.Store, key string) error {
	return locked(source, func() error {
		if err := source.Remove(key); err != nil {
			return store.Wrap("remove", source.Path(), err)
		}
		return nil
	})
}

// locked runs fn while holding the lock on st and releases it on every path.
func locked(st store.Store, fn func() error) (err error) {
	if err := st.Lock(); err != nil {
		return store.Wrap("lock", st.Path(), err)
	}
	defer func() {
		if unlockErr := st.Unlock(); unlockErr != nil && err == nil {
			err = store.Wrap("unlock", st.Path(), unlockErr)
		}
	}()
	return fn()
}
