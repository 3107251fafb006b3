package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	io := errors.New("connection reset")

	testCases := []struct {
		name  string
		err   error
		check func(t *testing.T, got error)
	}{
		{
			name: "resource exhausted is a quota error",
			err:  status.Error(codes.ResourceExhausted, "quota"),
			check: func(t *testing.T, got error) {
				assert.ErrorIs(t, got, ErrQuotaExceeded)
				assert.True(t, IsQuotaError(got))
			},
		},
		{
			name: "deadline exceeded is a timeout",
			err:  status.Error(codes.DeadlineExceeded, "slow"),
			check: func(t *testing.T, got error) {
				assert.ErrorIs(t, got, ErrTimeout)
			},
		},
		{
			name: "context deadline is a timeout",
			err:  context.DeadlineExceeded,
			check: func(t *testing.T, got error) {
				assert.ErrorIs(t, got, ErrTimeout)
			},
		},
		{
			name: "cancellation passes through",
			err:  context.Canceled,
			check: func(t *testing.T, got error) {
				assert.Equal(t, context.Canceled, got)
			},
		},
		{
			name: "anything else is transient",
			err:  io,
			check: func(t *testing.T, got error) {
				var tErr *TransientIOError
				assert.ErrorAs(t, got, &tErr)
				assert.Equal(t, "read calls", tErr.Op)
				assert.ErrorIs(t, got, io)
				assert.False(t, IsQuotaError(got))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, classify("read calls", tc.err))
		})
	}
	assert.NoError(t, classify("read calls", nil))
}
