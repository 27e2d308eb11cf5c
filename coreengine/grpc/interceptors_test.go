package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/testutil"
)

// mockServerStream implements grpc.ServerStream for testing.
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

func entries(logger *testutil.MockLogger, level string) []testutil.LogEntry {
	var out []testutil.LogEntry
	for _, e := range logger.GetLogs() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// LOGGING INTERCEPTOR TESTS
// =============================================================================

func TestLoggingInterceptor_Success(t *testing.T) {
	logger := testutil.NewMockLogger()
	interceptor := LoggingInterceptor(logger)

	info := &grpc.UnaryServerInfo{FullMethod: methodGetWorkflow}
	handler := func(ctx context.Context, req any) (any, error) {
		return "response", nil
	}

	resp, err := interceptor(context.Background(), "request", info, handler)
	require.NoError(t, err)
	assert.Equal(t, "response", resp)

	debug := entries(logger, "debug")
	require.Len(t, debug, 2)
	assert.Equal(t, "grpc_request_started", debug[0].Message)
	assert.Equal(t, "grpc_request_completed", debug[1].Message)
	assert.Equal(t, methodGetWorkflow, debug[1].Fields["method"])
}

func TestLoggingInterceptor_Error(t *testing.T) {
	logger := testutil.NewMockLogger()
	interceptor := LoggingInterceptor(logger)

	info := &grpc.UnaryServerInfo{FullMethod: methodGetWorkflow}
	handler := func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "workflow not found")
	}

	resp, err := interceptor(context.Background(), "request", info, handler)
	require.Error(t, err)
	assert.Nil(t, resp)

	assert.Len(t, entries(logger, "debug"), 1)
	errs := entries(logger, "error")
	require.Len(t, errs, 1)
	assert.Equal(t, "grpc_request_failed", errs[0].Message)
	assert.Equal(t, "NotFound", errs[0].Fields["code"])
}

func TestStreamLoggingInterceptor(t *testing.T) {
	logger := testutil.NewMockLogger()
	interceptor := StreamLoggingInterceptor(logger)
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}
	stream := &mockServerStream{ctx: context.Background()}

	require.NoError(t, interceptor(nil, stream, info, func(any, grpc.ServerStream) error { return nil }))
	assert.True(t, logger.HasLog("debug", "grpc_stream_completed"))

	err := interceptor(nil, stream, info, func(any, grpc.ServerStream) error {
		return status.Error(codes.Unavailable, "shutting down")
	})
	require.Error(t, err)
	errs := entries(logger, "error")
	require.Len(t, errs, 1)
	assert.Equal(t, "grpc_stream_failed", errs[0].Message)
	assert.Equal(t, "Unavailable", errs[0].Fields["code"])
}

// =============================================================================
// RECOVERY INTERCEPTOR TESTS
// =============================================================================

func TestRecoveryInterceptor_NoPanic(t *testing.T) {
	logger := testutil.NewMockLogger()
	interceptor := RecoveryInterceptor(logger, nil)

	info := &grpc.UnaryServerInfo{FullMethod: methodStartWorkflow}
	resp, err := interceptor(context.Background(), "request", info, func(ctx context.Context, req any) (any, error) {
		return "safe response", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "safe response", resp)
	assert.Empty(t, entries(logger, "error"))
}

func TestRecoveryInterceptor_Panic(t *testing.T) {
	logger := testutil.NewMockLogger()
	interceptor := RecoveryInterceptor(logger, nil)

	info := &grpc.UnaryServerInfo{FullMethod: methodStartWorkflow}
	resp, err := interceptor(context.Background(), "request", info, func(ctx context.Context, req any) (any, error) {
		panic("test panic")
	})

	require.Error(t, err)
	assert.Nil(t, resp)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "test panic")

	errs := entries(logger, "error")
	require.Len(t, errs, 1)
	assert.Equal(t, "grpc_panic_recovered", errs[0].Message)
	assert.Equal(t, "test panic", errs[0].Fields["panic"])
	assert.NotEmpty(t, errs[0].Fields["stack"])
}

func TestRecoveryInterceptor_CustomHandler(t *testing.T) {
	logger := testutil.NewMockLogger()
	interceptor := RecoveryInterceptor(logger, func(p any) error {
		return status.Errorf(codes.Aborted, "custom: %v", p)
	})

	info := &grpc.UnaryServerInfo{FullMethod: methodStartWorkflow}
	_, err := interceptor(context.Background(), "request", info, func(ctx context.Context, req any) (any, error) {
		panic("custom panic")
	})

	st, _ := status.FromError(err)
	assert.Equal(t, codes.Aborted, st.Code())
	assert.Contains(t, st.Message(), "custom: custom panic")
}

func TestStreamRecoveryInterceptor_Panic(t *testing.T) {
	logger := testutil.NewMockLogger()
	interceptor := StreamRecoveryInterceptor(logger, nil)
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}

	err := interceptor(nil, &mockServerStream{}, info, func(any, grpc.ServerStream) error {
		panic(errors.New("stream boom"))
	})

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.True(t, logger.HasLog("error", "grpc_stream_panic_recovered"))
}

func TestDefaultRecoveryHandler(t *testing.T) {
	st, ok := status.FromError(DefaultRecoveryHandler("test panic value"))
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "test panic value")
}

// =============================================================================
// METRICS INTERCEPTOR TESTS
// =============================================================================

func TestMetricsInterceptor_StatusCodes(t *testing.T) {
	interceptor := MetricsInterceptor()

	tests := []struct {
		name string
		code codes.Code
	}{
		{"OK", codes.OK},
		{"InvalidArgument", codes.InvalidArgument},
		{"NotFound", codes.NotFound},
		{"FailedPrecondition", codes.FailedPrecondition},
		{"Internal", codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &grpc.UnaryServerInfo{FullMethod: methodSubmitCompletion}
			_, err := interceptor(context.Background(), "request", info, func(ctx context.Context, req any) (any, error) {
				if tt.code == codes.OK {
					return "ok", nil
				}
				return nil, status.Error(tt.code, "error")
			})
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestStreamMetricsInterceptor(t *testing.T) {
	interceptor := StreamMetricsInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}

	err := interceptor(nil, &mockServerStream{}, info, func(any, grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client went away")
	})
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestServerOptions(t *testing.T) {
	assert.Len(t, ServerOptions(nil), 2)
}
