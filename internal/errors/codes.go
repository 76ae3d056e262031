package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for storage and replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument      ErrorCode = 1000
	ErrCodeKeyNotFound          ErrorCode = 1001
	ErrCodePartitionNotFound    ErrorCode = 1002
	ErrCodeNotARingMember       ErrorCode = 1003
	ErrCodePropertiesNotPresent ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeUnavailable        ErrorCode = 2001
	ErrCodeStorageFailure     ErrorCode = 2002
	ErrCodeCorruptedData      ErrorCode = 2003
	ErrCodeTxIDOutOfOrder     ErrorCode = 2004
	ErrCodeDeltaWALMissing    ErrorCode = 2005
	ErrCodeDeltaOverCapacity  ErrorCode = 2006
	ErrCodeQuorumNotAchieved  ErrorCode = 2007
	ErrCodePartitionDisposed  ErrorCode = 2008
	ErrCodePartitionNotOnline ErrorCode = 2009
	ErrCodeUnreachable        ErrorCode = 2010
	ErrCodeNonSuccessStatus   ErrorCode = 2011
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches any StorageError carrying the same code.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Code == e.Code
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound, ErrCodePartitionNotFound:
		return codes.NotFound
	case ErrCodeNotARingMember, ErrCodePropertiesNotPresent:
		return codes.FailedPrecondition
	case ErrCodeDeltaOverCapacity:
		return codes.ResourceExhausted
	case ErrCodeQuorumNotAchieved:
		return codes.DeadlineExceeded
	case ErrCodePartitionDisposed:
		return codes.Aborted
	case ErrCodeUnavailable, ErrCodePartitionNotOnline, ErrCodeUnreachable, ErrCodeNonSuccessStatus:
		return codes.Unavailable
	case ErrCodeCorruptedData, ErrCodeDeltaWALMissing:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Sentinels usable with errors.Is.
var (
	ErrDeltaOverCapacity  = &StorageError{Code: ErrCodeDeltaOverCapacity, Message: "delta over capacity"}
	ErrDeltaWALMissing    = &StorageError{Code: ErrCodeDeltaWALMissing, Message: "delta WAL missing"}
	ErrTxIDOutOfOrder     = &StorageError{Code: ErrCodeTxIDOutOfOrder, Message: "appending txIds out of order"}
	ErrQuorumNotAchieved  = &StorageError{Code: ErrCodeQuorumNotAchieved, Message: "failed to achieve quorum"}
	ErrPartitionDisposed  = &StorageError{Code: ErrCodePartitionDisposed, Message: "partition disposed"}
	ErrNotARingMember     = &StorageError{Code: ErrCodeNotARingMember, Message: "not a ring member"}
	ErrPropertiesNotFound = &StorageError{Code: ErrCodePropertiesNotPresent, Message: "properties not present"}
	ErrPartitionNotOnline = &StorageError{Code: ErrCodePartitionNotOnline, Message: "partition not online"}
	ErrUnreachable        = &StorageError{Code: ErrCodeUnreachable, Message: "member unreachable"}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(partition, key string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s:%s", partition, key), nil).
		WithDetail("partition", partition).
		WithDetail("key", key)
}

func PartitionNotFound(partition string) *StorageError {
	return NewStorageError(ErrCodePartitionNotFound, fmt.Sprintf("partition not found: %s", partition), nil).
		WithDetail("partition", partition)
}

func NotARingMember(ring, member string) *StorageError {
	return NewStorageError(ErrCodeNotARingMember, fmt.Sprintf("%s is not a member of ring %s", member, ring), nil).
		WithDetail("ring", ring).
		WithDetail("member", member)
}

func PropertiesNotPresent(partition string) *StorageError {
	return NewStorageError(ErrCodePropertiesNotPresent, fmt.Sprintf("properties not present for %s", partition), nil).
		WithDetail("partition", partition)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func StorageFailure(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStorageFailure, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func TxIDOutOfOrder(last, appended int64) *StorageError {
	return NewStorageError(ErrCodeTxIDOutOfOrder,
		fmt.Sprintf("appending txIds out of order: %d <= %d", appended, last), nil).
		WithDetail("last_tx_id", last).
		WithDetail("tx_id", appended)
}

func DeltaWALMissing(partition string, fp int64, cause error) *StorageError {
	return NewStorageError(ErrCodeDeltaWALMissing, fmt.Sprintf("delta WAL missing for %s at fp %d", partition, fp), cause).
		WithDetail("partition", partition).
		WithDetail("fp", fp)
}

func DeltaOverCapacity(partition string, size, limit int) *StorageError {
	return NewStorageError(ErrCodeDeltaOverCapacity, fmt.Sprintf("delta for %s over capacity: %d/%d", partition, size, limit), nil).
		WithDetail("partition", partition).
		WithDetail("size", size).
		WithDetail("limit", limit)
}

func QuorumNotAchieved(desired, achieved int) *StorageError {
	return NewStorageError(ErrCodeQuorumNotAchieved,
		fmt.Sprintf("failed to achieve desired take quorum %d, got %d", desired, achieved), nil).
		WithDetail("desired", desired).
		WithDetail("achieved", achieved)
}

func InsufficientRing(desired, ringSize int) *StorageError {
	return NewStorageError(ErrCodeQuorumNotAchieved,
		fmt.Sprintf("insufficient number of nodes (%d) to achieve desired take quorum %d", ringSize, desired), nil).
		WithDetail("desired", desired).
		WithDetail("ring_size", ringSize)
}

func PartitionDisposed(partition string) *StorageError {
	return NewStorageError(ErrCodePartitionDisposed, fmt.Sprintf("partition %s disposed", partition), nil).
		WithDetail("partition", partition)
}

func PartitionNotOnline(partition string) *StorageError {
	return NewStorageError(ErrCodePartitionNotOnline, fmt.Sprintf("partition %s not online", partition), nil).
		WithDetail("partition", partition)
}

func Unreachable(member string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnreachable, fmt.Sprintf("member %s unreachable", member), cause).
		WithDetail("member", member)
}

func NonSuccessStatus(statusCode int, reason string) *StorageError {
	return NewStorageError(ErrCodeNonSuccessStatus, fmt.Sprintf("non success status %d: %s", statusCode, reason), nil).
		WithDetail("status_code", statusCode)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports errors a background taker should back off and retry.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeDeltaOverCapacity, ErrCodeUnreachable, ErrCodeNonSuccessStatus, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// IsFatal reports data-integrity faults that must never be retried automatically.
func IsFatal(err error) bool {
	return GetCode(err) == ErrCodeDeltaWALMissing
}

// ToGRPCStatus converts any error into a gRPC status.
func ToGRPCStatus(err error) *status.Status {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus()
	}
	return status.New(codes.Internal, err.Error())
}
