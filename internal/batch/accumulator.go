// Package batch accumulates mapped documents per partition and emits them
// as batches on a size or age trigger.
package batch

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/mapper"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
)

// Trigger records why a batch was emitted.
type Trigger string

const (
	TriggerSize   Trigger = "size"
	TriggerAge    Trigger = "age"
	TriggerForced Trigger = "forced"
)

// Item is one document together with the offset it came from.
type Item struct {
	Offset int64
	Doc    mapper.Document
}

// Batch is a run of consecutive partition offsets ready for writing.
// HighOffset also covers marked offsets that carry no document, so a batch
// may have no items at all.
type Batch struct {
	Topic      string
	Partition  int
	Items      []Item
	HighOffset int64
	Trigger    Trigger
}

// Accumulator buffers documents for a single partition. It is owned by one
// partition worker and is not safe for concurrent use.
type Accumulator struct {
	topic     string
	partition int
	maxItems  int
	maxWait   time.Duration
	now       func() time.Time

	items   []Item
	high    int64
	pending bool
	first   time.Time
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// New returns an Accumulator emitting at cfg.MaxItems documents or once the
// oldest buffered entry is cfg.MaxWait old.
func New(topic string, partition int, cfg config.BatchConfig, opts ...Option) *Accumulator {
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 500
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	a := &Accumulator{
		topic:     topic,
		partition: partition,
		maxItems:  maxItems,
		maxWait:   maxWait,
		now:       time.Now,
		items:     make([]Item, 0, maxItems),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add buffers doc at offset. Offsets must increase across calls until the
// next Reset.
func (a *Accumulator) Add(offset int64, doc mapper.Document) (Batch, bool) {
	a.touch(offset)
	a.items = append(a.items, Item{Offset: offset, Doc: doc})
	if len(a.items) >= a.maxItems {
		return a.emit(TriggerSize), true
	}
	return a.Expire()
}

// Mark records an offset that needs no write, such as a dead-lettered
// message, so that the next batch commits past it.
func (a *Accumulator) Mark(offset int64) (Batch, bool) {
	a.touch(offset)
	return a.Expire()
}

// Expire emits the buffer if its oldest entry has waited at least maxWait.
func (a *Accumulator) Expire() (Batch, bool) {
	deadline, ok := a.Deadline()
	if !ok || a.now().Before(deadline) {
		return Batch{}, false
	}
	return a.emit(TriggerAge), true
}

// FlushNow emits whatever is buffered regardless of size or age.
func (a *Accumulator) FlushNow() (Batch, bool) {
	if !a.pending {
		return Batch{}, false
	}
	return a.emit(TriggerForced), true
}

// Deadline reports when the current buffer becomes due.
func (a *Accumulator) Deadline() (time.Time, bool) {
	if !a.pending {
		return time.Time{}, false
	}
	return a.first.Add(a.maxWait), true
}

// Reset discards the buffer without emitting it.
func (a *Accumulator) Reset() {
	a.items = make([]Item, 0, a.maxItems)
	a.pending = false
	a.high = 0
}

// Len returns the number of buffered documents.
func (a *Accumulator) Len() int {
	return len(a.items)
}

func (a *Accumulator) touch(offset int64) {
	if !a.pending {
		a.pending = true
		a.first = a.now()
	}
	a.high = offset
}

func (a *Accumulator) emit(trigger Trigger) Batch {
	b := Batch{
		Topic:      a.topic,
		Partition:  a.partition,
		Items:      a.items,
		HighOffset: a.high,
		Trigger:    trigger,
	}
	a.items = make([]Item, 0, a.maxItems)
	a.pending = false
	return b
}
