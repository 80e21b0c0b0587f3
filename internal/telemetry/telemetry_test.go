package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs a tracer that keeps finished spans in memory.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := Tracer()
	setTracer(provider.Tracer(ServiceName))
	t.Cleanup(func() {
		setTracer(prev)
		_ = provider.Shutdown(context.Background())
	})
	return rec
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "dev", cfg.Version)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))

	_, span := StartSpan(ctx, SpanSMBConnect)
	assert.False(t, span.SpanContext().IsValid(), "disabled tracing must hand out no-op spans")
	span.End()
}

func TestClientAttributes(t *testing.T) {
	attrs := attrMap(clientAttributes(ClientResource{
		Workstation:     "WS01",
		MaxDialect:      "3.1.1",
		SigningRequired: true,
	}))

	assert.Equal(t, "WS01", attrs[AttrClientWorkstation].AsString())
	assert.Equal(t, "3.1.1", attrs[AttrClientMaxDialect].AsString())
	assert.True(t, attrs[AttrClientSigningRequired].AsBool())
	assert.False(t, attrs[AttrClientEncryptionEnabled].AsBool())
	assert.NotContains(t, attrs, AttrClientMinDialect)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestRoundTripSpan(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := StartRoundTripSpan(context.Background(), "fs1", 3, SMBRequested(130))
	span.SetAttributes(SMBMessageID(17))
	AddEvent(ctx, EventSessionSetupLeg, SMBLeg(1))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, SpanSMBRoundTrip, got.Name())

	attrs := attrMap(got.Attributes())
	assert.Equal(t, "fs1", attrs[AttrServerAddress].AsString())
	assert.Equal(t, int64(3), attrs[AttrSMBChainLen].AsInt64())
	assert.Equal(t, int64(130), attrs[AttrSMBRequested].AsInt64())
	assert.Equal(t, int64(17), attrs[AttrSMBMessageID].AsInt64())

	require.Len(t, got.Events(), 1)
	assert.Equal(t, EventSessionSetupLeg, got.Events()[0].Name)
}

func TestFail(t *testing.T) {
	rec := recordSpans(t)

	_, ok := StartConnectionSpan(context.Background(), SpanSMBConnect, "fs1", 445)
	Fail(ok, nil, "unused")
	ok.End()

	_, bad := StartSendSpan(context.Background(), "CREATE", 1)
	Fail(bad, errors.New("STATUS_ACCESS_DENIED"), "request failed")
	bad.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "request failed", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("SMBSessionID", func(t *testing.T) {
		attr := SMBSessionID(0x1122)
		assert.Equal(t, AttrSMBSessionID, string(attr.Key))
		assert.Equal(t, "0x0000000000001122", attr.Value.AsString())
	})

	t.Run("SMBTreeID", func(t *testing.T) {
		attr := SMBTreeID(7)
		assert.Equal(t, AttrSMBTreeID, string(attr.Key))
		assert.Equal(t, int64(7), attr.Value.AsInt64())
	})

	t.Run("SMBService", func(t *testing.T) {
		attr := SMBService("IPC")
		assert.Equal(t, AttrSMBService, string(attr.Key))
		assert.Equal(t, "IPC", attr.Value.AsString())
	})

	t.Run("DFSCached", func(t *testing.T) {
		attr := DFSCached(false)
		assert.Equal(t, AttrDFSCached, string(attr.Key))
		assert.False(t, attr.Value.AsBool())
	})

	t.Run("Identity", func(t *testing.T) {
		attr := Identity(`CORP\alice`)
		assert.Equal(t, AttrIdentity, string(attr.Key))
		assert.Equal(t, `CORP\alice`, attr.Value.AsString())
	})
}

func TestDFSSpan(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartDFSSpan(context.Background(), `\dom\root`, DFSCached(true))
	span.SetAttributes(DFSTarget(`\fs1\share`))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, `\dom\root`, attrs[AttrDFSPath].AsString())
	assert.Equal(t, `\fs1\share`, attrs[AttrDFSTarget].AsString())
	assert.True(t, attrs[AttrDFSCached].AsBool())
}

func TestProfiling(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		shutdown, err := InitProfiling(ProfilingConfig{})
		require.NoError(t, err)
		assert.NoError(t, shutdown())
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := InitProfiling(ProfilingConfig{Enabled: true, ProfileTypes: []string{"heap"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "alloc_space")
	})

	t.Run("Tags", func(t *testing.T) {
		tags := profileTags(ProfilingConfig{Version: "1.2.0", Client: ClientResource{Workstation: "WS01", MaxDialect: "3.0"}})
		assert.Equal(t, map[string]string{"version": "1.2.0", "workstation": "WS01", "max_dialect": "3.0"}, tags)
	})

	t.Run("TypeNames", func(t *testing.T) {
		names := ProfileTypeNames()
		assert.Len(t, names, 10)
		assert.IsIncreasing(t, names)
	})

	t.Run("ServerLabelsRunsInline", func(t *testing.T) {
		ran := false
		ServerLabels(context.Background(), "fs1", 445, func(context.Context) { ran = true })
		assert.True(t, ran)
	})
}
