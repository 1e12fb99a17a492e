// Package testutil provides in-memory doubles shared by package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/kafka"
)

// MessageTime is stamped on every produced message.
var MessageTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type partitionKey struct {
	topic     string
	partition int
}

type partitionLog struct {
	messages []kafka.Message
	next     int
	cursor   int64
	commits  []int64
}

// Broker is an in-memory consumer-group broker. Fetch serves partitions
// round-robin and blocks once everything has been delivered. Commit stores
// offset+1 as the partition cursor.
type Broker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionLog
	order      []partitionKey
	rr         int
	wake       chan struct{}
	fetchErrs  int
	fetched    int

	// CommitErr, when set, is consulted before every commit.
	CommitErr func(msg kafka.Message) error
}

func NewBroker() *Broker {
	return &Broker{
		partitions: make(map[partitionKey]*partitionLog),
		wake:       make(chan struct{}),
	}
}

// Produce appends values to topic/partition with consecutive offsets.
func (b *Broker) Produce(topic string, partition int, values ...[]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.log(topic, partition)
	for _, v := range values {
		p.messages = append(p.messages, kafka.Message{
			Topic:     topic,
			Partition: partition,
			Offset:    int64(len(p.messages)),
			Value:     v,
			Time:      MessageTime,
		})
	}
	close(b.wake)
	b.wake = make(chan struct{})
}

// FailFetches makes the next n Fetch calls fail with a connectivity error.
func (b *Broker) FailFetches(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErrs = n
}

// Rewind replays topic/partition from its committed cursor, as happens
// after a group rebalance.
func (b *Broker) Rewind(topic string, partition int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.log(topic, partition)
	p.next = int(p.cursor)
	close(b.wake)
	b.wake = make(chan struct{})
}

// Seek moves the read position of topic/partition to offset regardless of
// what has been committed.
func (b *Broker) Seek(topic string, partition int, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log(topic, partition).next = int(offset)
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Broker) Fetch(ctx context.Context) (kafka.Message, error) {
	for {
		b.mu.Lock()
		if b.fetchErrs > 0 {
			b.fetchErrs--
			b.mu.Unlock()
			return kafka.Message{}, apperrors.New(apperrors.ErrConnectivity, "broker unavailable")
		}
		for i := 0; i < len(b.order); i++ {
			key := b.order[(b.rr+i)%len(b.order)]
			p := b.partitions[key]
			if p.next < len(p.messages) {
				msg := p.messages[p.next]
				p.next++
				b.fetched++
				b.rr = (b.rr + i + 1) % len(b.order)
				b.mu.Unlock()
				return msg, nil
			}
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		}
	}
}

func (b *Broker) Commit(ctx context.Context, msg kafka.Message) error {
	if b.CommitErr != nil {
		if err := b.CommitErr(msg); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.log(msg.Topic, msg.Partition)
	p.cursor = msg.Offset + 1
	p.commits = append(p.commits, msg.Offset+1)
	return nil
}

func (b *Broker) Close() error { return nil }

// Cursor returns the committed next-read offset of topic/partition.
func (b *Broker) Cursor(topic string, partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log(topic, partition).cursor
}

// Commits returns every cursor value committed for topic/partition.
func (b *Broker) Commits(topic string, partition int) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.log(topic, partition).commits...)
}

// Fetched returns the number of messages handed out so far.
func (b *Broker) Fetched() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetched
}

func (b *Broker) log(topic string, partition int) *partitionLog {
	key := partitionKey{topic, partition}
	p, ok := b.partitions[key]
	if !ok {
		p = &partitionLog{}
		b.partitions[key] = p
		b.order = append(b.order, key)
	}
	return p
}
