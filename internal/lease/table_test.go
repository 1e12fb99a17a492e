package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteDeferredWhileWriting(t *testing.T) {
	tbl := NewTable()
	release, err := tbl.AcquireWrite(context.Background(), "events-a", "events-b", "events-a")
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Writers("events-a"))

	_, ok := tbl.TryAcquireDelete("events-a")
	assert.False(t, ok)

	// unrelated index is free
	releaseC, ok := tbl.TryAcquireDelete("events-c")
	require.True(t, ok)
	releaseC()

	release()
	release()
	assert.Equal(t, 0, tbl.Writers("events-a"))

	releaseA, ok := tbl.TryAcquireDelete("events-a")
	require.True(t, ok)
	releaseA()
}

func TestDeleteIsExclusive(t *testing.T) {
	tbl := NewTable()
	release, ok := tbl.TryAcquireDelete("events-a")
	require.True(t, ok)
	_, ok = tbl.TryAcquireDelete("events-a")
	assert.False(t, ok)
	release()
}

func TestWriterWaitsForDeletion(t *testing.T) {
	tbl := NewTable()
	releaseDelete, ok := tbl.TryAcquireDelete("events-a")
	require.True(t, ok)

	acquired := make(chan func())
	go func() {
		release, err := tbl.AcquireWrite(context.Background(), "events-b", "events-a")
		if err == nil {
			acquired <- release
		}
	}()

	select {
	case <-acquired:
		t.Fatal("write lease granted during deletion")
	case <-time.After(50 * time.Millisecond):
	}
	// all or nothing: the free index was not leased while waiting
	assert.Equal(t, 0, tbl.Writers("events-b"))

	releaseDelete()
	select {
	case release := <-acquired:
		assert.Equal(t, 1, tbl.Writers("events-a"))
		assert.Equal(t, 1, tbl.Writers("events-b"))
		release()
	case <-time.After(time.Second):
		t.Fatal("write lease not granted after deletion finished")
	}
}

func TestAcquireWriteHonoursContext(t *testing.T) {
	tbl := NewTable()
	releaseDelete, ok := tbl.TryAcquireDelete("events-a")
	require.True(t, ok)
	defer releaseDelete()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tbl.AcquireWrite(ctx, "events-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedWriters(t *testing.T) {
	tbl := NewTable()
	r1, err := tbl.AcquireWrite(context.Background(), "events-a")
	require.NoError(t, err)
	r2, err := tbl.AcquireWrite(context.Background(), "events-a")
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Writers("events-a"))

	r1()
	_, ok := tbl.TryAcquireDelete("events-a")
	assert.False(t, ok)
	r2()
	assert.Empty(t, tbl.entries)
}
