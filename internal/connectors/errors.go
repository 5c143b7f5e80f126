package connectors

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// retryAfterKey — trailer с рекомендованной паузой (мс) при ResourceExhausted.
const retryAfterKey = "retry-after-ms"

// classify переводит gRPC статус в таксономию ошибок пайплайна.
func classify(op string, err error, trailer metadata.MD) error {
	if err == nil || errors.Is(err, ErrNoDeadline) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return &domain.TransientError{Op: op, Cause: err}
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		// Коннектор сам сказал, сколько ждать
		if v := trailer.Get(retryAfterKey); len(v) > 0 {
			if ms, perr := strconv.ParseInt(v[0], 10, 64); perr == nil && ms > 0 {
				return &domain.RateLimitError{Tier: op, RetryAfter: time.Duration(ms) * time.Millisecond}
			}
		}
		return &domain.TransientError{Op: op, Cause: err}
	case codes.Unavailable, codes.Aborted:
		return &domain.TransientError{Op: op, Cause: err}
	case codes.InvalidArgument, codes.FailedPrecondition:
		return &domain.ValidationError{Reason: st.Message()}
	}
	// DeadlineExceeded и прочее отдаем как есть: таймаут классифицирует обертка надежности
	return err
}

// toStatus — обратное отображение на стороне сервера коннектора.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var (
		tErr  *domain.TransientError
		vErr  *domain.ValidationError
		rlErr *domain.RateLimitError
	)
	switch {
	case errors.As(err, &rlErr):
		_ = grpc.SetTrailer(ctx, metadata.Pairs(retryAfterKey, strconv.FormatInt(rlErr.RetryAfter.Milliseconds(), 10)))
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &vErr):
		return status.Error(codes.InvalidArgument, vErr.Reason)
	case errors.As(err, &tErr):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
