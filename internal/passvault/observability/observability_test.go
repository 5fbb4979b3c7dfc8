package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerWithLevel(t *testing.T) {
	t.Parallel()

	logger, err := NewLoggerWithLevel("debug")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLoggerWithLevel("nonsense")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestFromContextDefaultsToNoop(t *testing.T) {
	t.Parallel()

	require.NotNil(t, FromContext(context.Background()))

	core, _ := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	require.Same(t, logger, FromContext(WithLogger(context.Background(), logger)))
}

func TestRequestLoggerMiddleware(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware())
	router.Get("/login", func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("busy"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	inside := logs.FilterMessage("inside handler").All()
	require.Len(t, inside, 1)
	require.NotEmpty(t, inside[0].ContextMap()["request_id"])

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	entry := completed[0]
	require.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	require.Equal(t, int64(http.StatusConflict), fields["status"])
	require.Equal(t, "/login", fields["route"])
	require.Equal(t, int64(4), fields["bytes"])
}

func TestMaskEmail(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a***@example.com", MaskEmail("alice@example.com"))
	require.Equal(t, "***", MaskEmail("no-at-sign"))
	require.Equal(t, "", MaskEmail(""))
}

func TestTraceMiddlewareCorrelatesRequestLogs(t *testing.T) {
	t.Parallel()

	const traceID = "105445aa7843bc8bf206b12000100000"

	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(TraceMiddleware("pv-test"))
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware())
	router.Get("/login", func(w http.ResponseWriter, r *http.Request) {
		info, ok := TraceFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, traceID, info.TraceID)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.Header.Set(CloudTraceHeader, traceID+"/1;o=1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, traceID+"/1;o=1", rec.Header().Get(CloudTraceHeader))

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	fields := completed[0].ContextMap()
	require.Equal(t, traceID, fields["trace_id"])
	require.Equal(t, "0000000000000001", fields["span_id"])
	require.Equal(t, "projects/pv-test/traces/"+traceID, fields["logging.googleapis.com/trace"])
	require.Equal(t, true, fields["logging.googleapis.com/trace_sampled"])
}

func TestTraceMiddlewareWithoutHeader(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(TraceMiddleware(""))
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	require.NotContains(t, completed[0].ContextMap(), "logging.googleapis.com/trace")
}

func TestParseCloudTraceContext(t *testing.T) {
	t.Parallel()

	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/18446744073709551615;o=0")
	require.True(t, ok)
	require.Equal(t, "ffffffffffffffff", sc.SpanID().String())
	require.False(t, sc.IsSampled())
	require.True(t, sc.IsRemote())

	sc, ok = parseCloudTraceContext("105445aa7843bc8bf206b12000100000/abc1")
	require.True(t, ok)
	require.Equal(t, "000000000000abc1", sc.SpanID().String())

	for _, header := range []string{
		"",
		"not-a-trace",
		"105445aa7843bc8bf206b12000100000",
		"00000000000000000000000000000000/1;o=1",
		"105445aa7843bc8bf206b12000100000/0",
		"short/1",
	} {
		_, ok := parseCloudTraceContext(header)
		require.False(t, ok, header)
	}
}
