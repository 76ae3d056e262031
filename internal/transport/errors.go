package transport

import (
	"encoding/json"
	"io"
	"net/http"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler writes errors as JSON responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError maps err through its grpc status to an HTTP status.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	st := amzaerrors.ToGRPCStatus(err)
	h.WriteErrorResponse(w, GRPCToHTTPStatus(st.Code()), ErrorResponse{
		ErrorCode: st.Code().String(),
		Code:      int(amzaerrors.GetCode(err)),
		Message:   err.Error(),
		RequestID: r.Header.Get(requestIDHeader),
	})
}

// WriteErrorResponse writes a formatted error response.
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	log := h.logger.Warn
	if statusCode >= http.StatusInternalServerError {
		log = h.logger.Error
	}
	log("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", resp.ErrorCode),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID),
	)

	resp.Status = "error"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *ErrorHandler) badRequest(w http.ResponseWriter, r *http.Request, message string, cause error) {
	h.HandleError(w, r, amzaerrors.InvalidArgument(message, cause))
}

// GRPCToHTTPStatus converts a gRPC code to an HTTP status code.
func GRPCToHTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.DataLoss, codes.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// errorFromResponse turns a non-2xx response back into a StorageError. The
// amza code is kept when the body carries one.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Code != 0 {
		return amzaerrors.NewStorageError(amzaerrors.ErrorCode(er.Code), er.Message, nil).
			WithDetail("status_code", resp.StatusCode)
	}
	reason := http.StatusText(resp.StatusCode)
	if len(body) > 0 {
		reason = string(body)
	}
	return amzaerrors.NonSuccessStatus(resp.StatusCode, reason)
}
