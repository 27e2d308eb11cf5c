package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordTaskExecution(t *testing.T) {
	tests := []struct {
		name       string
		worker     string
		outcome    string
		durationMS int
	}{
		{"succeeded", "designer", "succeeded", 120},
		{"escalated", "implementer", "escalated", 4000},
		{"zero duration", "reviewer", "succeeded", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(taskExecutionsTotal.WithLabelValues(tt.worker, tt.outcome))
			RecordTaskExecution(tt.worker, tt.outcome, tt.durationMS)
			after := testutil.ToFloat64(taskExecutionsTotal.WithLabelValues(tt.worker, tt.outcome))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestRecordCacheLookup(t *testing.T) {
	before := testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("generation", "hit"))
	RecordCacheLookup("generation", "hit")
	RecordCacheLookup("generation", "hit")
	assert.Equal(t, before+2, testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("generation", "hit")))

	SetCacheBytes("tool", 2048)
	assert.Equal(t, 2048.0, testutil.ToFloat64(cacheBytesUsed.WithLabelValues("tool")))
}

func TestSetCircuitState(t *testing.T) {
	SetCircuitState("deployer", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(circuitState.WithLabelValues("deployer")))
	SetCircuitState("deployer", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(circuitState.WithLabelValues("deployer")))
}

func TestRecordTransitionAndCycle(t *testing.T) {
	before := testutil.ToFloat64(workflowTransitionsTotal.WithLabelValues("PLANNING", "AWAITING_WORKER"))
	RecordTransition("PLANNING", "AWAITING_WORKER")
	assert.Equal(t, before+1, testutil.ToFloat64(workflowTransitionsTotal.WithLabelValues("PLANNING", "AWAITING_WORKER")))

	cycles := testutil.ToFloat64(routingCyclesTotal)
	RecordRoutingCycle()
	assert.Equal(t, cycles+1, testutil.ToFloat64(routingCyclesTotal))
}

// =============================================================================
// LOGGING TESTS
// =============================================================================

func newBufferLogger(buf *bytes.Buffer) Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(buf),
		zapcore.DebugLevel,
	)
	return NewLoggerFromZap(zap.New(core))
}

func TestRecordBusMessage(t *testing.T) {
	counter := busMessagesTotal.WithLabelValues("event", "TaskDispatched", "ok")
	before := testutil.ToFloat64(counter)
	RecordBusMessage("event", "TaskDispatched", "ok")
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestZapLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	logger.Info("workflow_created", "workflow_id", "wf-1", "entry", "analyst")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "workflow_created", entry["msg"])
	assert.Equal(t, "wf-1", entry["workflow_id"])
	assert.Equal(t, "analyst", entry["entry"])
}

func TestZapLoggerBind(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf).Bind("component", "dispatcher")

	logger.Warn("no_route_found", "worker", "designer")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatcher", entry["component"])
	assert.Equal(t, "designer", entry["worker"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNewZapLogger(t *testing.T) {
	logger, err := NewZapLogger("debug", "json")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewZapLogger("loud", "json")
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := NopLogger()
	assert.Equal(t, l, OrNop(l))
	// Must not panic.
	OrNop(nil).Error("ignored", "k", "v")
}
