package transport

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"pkt.systems/activityd/internal/core"
)

// Trailer keys carrying the failure code and retry hint on gRPC errors.
const (
	TrailerErrorCode  = "activityd-error-code"
	TrailerRetryAfter = "activityd-retry-after"
)

// ToGRPC maps core.Failure to a gRPC status. The failure code prefixes the
// status message; UnaryErrorInterceptor also sends it as a trailer.
func ToGRPC(err error) error {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return err
	}
	return status.New(grpcCode(failure), Message(failure.Code, failure.Detail)).Err()
}

func grpcCode(failure core.Failure) codes.Code {
	switch failure.HTTPStatus {
	case 0, 400:
		return codes.InvalidArgument
	case 401, 403:
		return codes.PermissionDenied
	case 404:
		return codes.NotFound
	case 409:
		if failure.Code == core.CodeBusy || failure.Code == core.CodeDuplicateMaster {
			return codes.FailedPrecondition
		}
		return codes.Aborted
	case 429:
		return codes.ResourceExhausted
	case 500:
		return codes.Internal
	case 501:
		return codes.Unimplemented
	case 503:
		return codes.Unavailable
	}
	if failure.RetryAfter > 0 {
		return codes.Unavailable
	}
	return codes.InvalidArgument
}

// FailureTrailer returns trailer metadata describing err, or nil when err is
// not a core failure.
func FailureTrailer(err error) metadata.MD {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return nil
	}
	md := metadata.Pairs(TrailerErrorCode, failure.Code)
	if failure.RetryAfter > 0 {
		md.Set(TrailerRetryAfter, strconv.FormatInt(failure.RetryAfter, 10))
	}
	return md
}

// FromGRPC rebuilds a core.Failure on the client side from a status error and
// the trailers received with it.
func FromGRPC(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	failure := core.Failure{Detail: st.Message()}
	if vals := trailer.Get(TrailerErrorCode); len(vals) > 0 {
		failure.Code = vals[0]
		failure.Detail = strings.TrimPrefix(st.Message(), failure.Code+": ")
	} else if code, detail, found := strings.Cut(st.Message(), ": "); found && !strings.Contains(code, " ") {
		failure.Code, failure.Detail = code, detail
	} else {
		failure.Code = strings.ToLower(st.Code().String())
	}
	if vals := trailer.Get(TrailerRetryAfter); len(vals) > 0 {
		if secs, perr := strconv.ParseInt(vals[0], 10, 64); perr == nil {
			failure.RetryAfter = secs
		}
	}
	failure.HTTPStatus = httpStatus(st.Code())
	return failure
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return 400
	case codes.PermissionDenied:
		return 403
	case codes.NotFound:
		return 404
	case codes.Aborted, codes.FailedPrecondition:
		return 409
	case codes.ResourceExhausted:
		return 429
	case codes.Unimplemented:
		return 501
	case codes.Unavailable:
		return 503
	}
	return 500
}

// UnaryErrorInterceptor converts core failures returned by handlers into
// gRPC statuses with trailers attached.
func UnaryErrorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	if md := FailureTrailer(err); md != nil {
		_ = grpc.SetTrailer(ctx, md)
	}
	return resp, ToGRPC(err)
}
