package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorUnwrap(t *testing.T) {
	err := Newf(ErrMapping, "payload at offset %d is not an object", 7)
	assert.Equal(t, "mapping failed: payload at offset 7 is not an object", err.Error())
	assert.True(t, Is(err, ErrMapping))
	assert.False(t, Is(err, ErrPermanent))

	wrapped := fmt.Errorf("partition 3: %w", err)
	var appErr *AppError
	assert.True(t, As(wrapped, &appErr))
	assert.Equal(t, ErrMapping, appErr.Err)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, ExitOK},
		{"forced", fmt.Errorf("coordinator: %w", ErrShutdownTimeout), ExitForced},
		{"invariant", New(ErrInvariant, "commit 4 after 9"), ExitInvariant},
		{"startup", New(ErrConnectivity, "elasticsearch unreachable"), ExitStartup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(fmt.Errorf("bulk: %w", context.Canceled)))
	assert.True(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(ErrConnectivity))
}
