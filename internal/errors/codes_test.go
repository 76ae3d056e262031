package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestStorageError_GRPCMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *amzaerrors.StorageError
		code codes.Code
	}{
		{"invalid argument", amzaerrors.InvalidArgument("bad", nil), codes.InvalidArgument},
		{"partition not found", amzaerrors.PartitionNotFound("ring::p"), codes.NotFound},
		{"not a ring member", amzaerrors.NotARingMember("ring", "m1"), codes.FailedPrecondition},
		{"over capacity", amzaerrors.DeltaOverCapacity("ring::p", 10, 5), codes.ResourceExhausted},
		{"quorum", amzaerrors.QuorumNotAchieved(2, 1), codes.DeadlineExceeded},
		{"wal missing", amzaerrors.DeltaWALMissing("ring::p", 42, nil), codes.DataLoss},
		{"unreachable", amzaerrors.Unreachable("m2", nil), codes.Unavailable},
		{"internal", amzaerrors.InternalError("boom", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestStorageError_IsAndClassification(t *testing.T) {
	wrapped := fmt.Errorf("merge: %w", amzaerrors.DeltaWALMissing("ring::p", 7, nil))
	assert.True(t, stderrors.Is(wrapped, amzaerrors.ErrDeltaWALMissing))
	assert.False(t, stderrors.Is(wrapped, amzaerrors.ErrDeltaOverCapacity))
	assert.True(t, amzaerrors.IsFatal(wrapped))
	assert.False(t, amzaerrors.IsRetryable(wrapped))

	over := amzaerrors.DeltaOverCapacity("ring::p", 11, 10)
	assert.True(t, amzaerrors.IsRetryable(over))
	assert.Equal(t, amzaerrors.ErrCodeDeltaOverCapacity, amzaerrors.GetCode(over))
	assert.Equal(t, 11, over.Details["size"])

	assert.Equal(t, amzaerrors.ErrCodeInternal, amzaerrors.GetCode(stderrors.New("plain")))
	assert.False(t, amzaerrors.IsStorageError(stderrors.New("plain")))
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := stderrors.New("disk gone")
	err := amzaerrors.StorageFailure("append failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "append failed: disk gone", err.Error())
}
