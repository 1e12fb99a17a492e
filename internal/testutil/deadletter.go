package testutil

import (
	"context"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/deadletter"
)

// DeadLetters captures dead-lettered records.
type DeadLetters struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (d *DeadLetters) Send(ctx context.Context, rec deadletter.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
	return nil
}

func (d *DeadLetters) Records() []deadletter.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]deadletter.Record(nil), d.records...)
}

// Count returns the number of records captured at stage.
func (d *DeadLetters) Count(stage string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.records {
		if r.Stage == stage {
			n++
		}
	}
	return n
}
