package server

import (
	"BackstopBootstrapper/internal/ingestion"
	"BackstopBootstrapper/internal/query"
	"BackstopBootstrapper/internal/state"
	"context"
	"errors"
	"net/http"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// grpcCode maps an error from the gateway, the contract or the query
// service onto a gRPC status code.
func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, ingestion.ErrGatewayClosed):
		return codes.Unavailable
	case errors.Is(err, ingestion.ErrMalformed):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	}

	var ce *state.ContractError
	if !errors.As(err, &ce) {
		return codes.Internal
	}
	switch ce.Code {
	case state.CodeUnauthorized:
		return codes.PermissionDenied
	case state.CodeBadRequest, state.CodeNegativeAmount, state.CodeInvalidCloseLedger,
		state.CodeInvalidBootstrapToken, state.CodeInvalidBootstrapAmount, state.CodeInvalidPoolAddress:
		return codes.InvalidArgument
	case state.CodeAlreadyInitialized, state.CodeInvalidBootstrapStatus, state.CodeAlreadyClaimed,
		state.CodeAlreadyRefunded, state.CodeInsufficientDeposit, state.CodeAllowance,
		state.CodeBalance, state.CodeReceivedNoBackstopTokens:
		return codes.FailedPrecondition
	case state.CodeOverflow:
		return codes.OutOfRange
	default:
		return codes.Internal
	}
}

// toStatus converts err into a gRPC status error. Contract errors keep
// their "contract error <code>: <kind>" message.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	st := status.New(grpcCode(err), err.Error())
	var ce *state.ContractError
	if errors.As(err, &ce) {
		if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
			Reason:   ce.Code.String(),
			Domain:   ErrorDomain,
			Metadata: map[string]string{"code": strconv.FormatUint(uint64(ce.Code), 10)},
		}); derr == nil {
			st = detailed
		}
	}
	return st.Err()
}

// ErrorDomain tags the ErrorInfo detail carrying a contract error code.
const ErrorDomain = "bootstrapper"

// ContractCode recovers the contract error code from err, whether it is a
// ContractError or a status produced by toStatus. Zero means none.
func ContractCode(err error) uint32 {
	var ce *state.ContractError
	if errors.As(err, &ce) {
		return uint32(ce.Code)
	}
	st, ok := status.FromError(err)
	if !ok {
		return 0
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		code, err := strconv.ParseUint(info.GetMetadata()["code"], 10, 32)
		if err == nil {
			return uint32(code)
		}
	}
	return 0
}

// httpStatus maps a gRPC code onto the HTTP status the gateway returns.
func httpStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON error returned by the HTTP gateway. Code is the
// contract error code, or zero for errors outside the contract.
type ErrorBody struct {
	Code  uint32 `json:"code"`
	Error string `json:"error"`
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Code: ContractCode(err), Error: err.Error()}
	if st, ok := status.FromError(err); ok {
		body.Error = st.Message()
	}
	return body
}
