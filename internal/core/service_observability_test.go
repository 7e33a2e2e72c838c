package core

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"medtrace/pkg/domain"
)

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type logRecord struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) find(level, msg string) (logRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.level == level && r.msg == msg {
			return r, true
		}
	}
	return logRecord{}, false
}

func argValue(args []any, key string) any {
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == key {
			return args[i+1]
		}
	}
	return nil
}

func TestServiceEmitsAuditMetricsAndTraces(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := NewJSONTracer(nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newInitializedService(t,
		WithAuditRecorder(audit),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
		WithClock(ClockFunc(func() time.Time { return fixed })),
	)

	if _, err := svc.RegisterDevice(ctx, alice, 42, domain.StatusManufactured); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterDevice(ctx, alice, 43, domain.StatusDeployed); err == nil {
		t.Fatalf("expected unauthorized")
	}
	_, _ = svc.GetDeviceHistory(ctx, 42)

	if !audit.has(OpInitialize, AuditStatusSuccess, nil) {
		t.Fatalf("missing initialize audit entry")
	}
	if !audit.has(OpRegisterDevice, AuditStatusSuccess, func(e AuditEntry) bool {
		return e.EntityID == "42" && e.Caller == alice && e.Entity == domain.EntityDevice && e.Timestamp.Equal(fixed) && e.ID != ""
	}) {
		t.Fatalf("missing success audit entry: %+v", audit.entries)
	}
	if !audit.has(OpRegisterDevice, AuditStatusError, func(e AuditEntry) bool {
		return e.Code == domain.CodeUnauthorized && e.Error != ""
	}) {
		t.Fatalf("missing error audit entry: %+v", audit.entries)
	}
	if audit.has(opGetDeviceHistory, AuditStatusSuccess, nil) {
		t.Fatalf("reads must not be audited")
	}

	if !metrics.has(OpRegisterDevice, true) || !metrics.has(OpRegisterDevice, false) || !metrics.has(opGetDeviceHistory, true) {
		t.Fatalf("unexpected metrics calls %+v", metrics.calls)
	}

	var sawError bool
	for _, span := range tracer.Entries() {
		if span.Operation == OpRegisterDevice && span.Status == "error" {
			sawError = true
		}
		if span.SpanID == "" {
			t.Fatalf("span without id: %+v", span)
		}
	}
	if !sawError {
		t.Fatalf("expected failed register span, got %+v", tracer.Entries())
	}
}

func TestServiceLogging(t *testing.T) {
	ctx := context.Background()
	logger := &captureLogger{}
	svc := newInitializedService(t, WithLogger(logger))

	if _, err := svc.UpdateDeviceStatus(ctx, alice, 5, domain.StatusTesting); err == nil {
		t.Fatalf("expected failure")
	}
	rec, ok := logger.find("warn", "registry operation failed")
	if !ok {
		t.Fatalf("missing failure log: %+v", logger.records)
	}
	if argValue(rec.args, "code") != domain.CodeInvalidDevice.String() {
		t.Fatalf("unexpected code attribute %v", argValue(rec.args, "code"))
	}

	if _, err := svc.RegisterDevice(ctx, alice, 5, domain.StatusManufactured); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := logger.find("debug", "registry operation committed"); !ok {
		t.Fatalf("missing commit log")
	}
	if _, err := svc.RegisterDevice(ctx, bob, 5, domain.StatusManufactured); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	rec, ok = logger.find("warn", "rule violation")
	if !ok || argValue(rec.args, "rule") != RuleDeviceReregistration {
		t.Fatalf("missing rule violation log: %+v", logger.records)
	}
}

func TestDefaultServiceOptions(t *testing.T) {
	opts := defaultServiceOptions()
	if opts.logger == nil || opts.clock == nil || opts.audit == nil || opts.metrics == nil || opts.tracer == nil {
		t.Fatalf("defaults must be non-nil: %+v", opts)
	}
	if opts.clock.Now().Location() != time.UTC {
		t.Fatalf("default clock should be UTC")
	}
	// nil options are ignored
	svc := NewService(nil, nil, WithLogger(nil), WithClock(nil), WithAuditRecorder(nil), WithMetricsRecorder(nil), WithTracer(nil))
	if svc.logger == nil || svc.clock == nil || svc.audit == nil || svc.metrics == nil || svc.tracer == nil {
		t.Fatalf("nil options replaced defaults")
	}
}

func TestLogAuditRecorder(t *testing.T) {
	logger := &captureLogger{}
	rec := LogAuditRecorder{Logger: logger}
	rec.Record(context.Background(), AuditEntry{Operation: OpAddCertification, Status: AuditStatusSuccess})
	rec.Record(context.Background(), AuditEntry{Operation: OpAddCertification, Status: AuditStatusError, Code: domain.CodeCertificationExists, Error: "dup"})
	if _, ok := logger.find("info", "audit"); !ok {
		t.Fatalf("missing info audit log")
	}
	warn, ok := logger.find("warn", "audit")
	if !ok || argValue(warn.args, "code") != "CertificationExists" {
		t.Fatalf("unexpected warn audit log %+v", warn)
	}
	LogAuditRecorder{}.Record(context.Background(), AuditEntry{})
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if expvar.Get(rec.Name()) == nil {
		t.Fatalf("recorder not published under %s", rec.Name())
	}
	rec.Observe(context.Background(), OpRegisterDevice, true, 2*time.Millisecond)
	rec.Observe(context.Background(), OpRegisterDevice, false, 5*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)
	snap := rec.Snapshot()
	stats := snap.Operations[OpRegisterDevice]
	if stats.Success != 1 || stats.Error != 1 || stats.MaxMS != 5 || stats.TotalMS != 7 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if ops := rec.Operations(); len(ops) != 1 || ops[0] != OpRegisterDevice {
		t.Fatalf("unexpected operations %v", ops)
	}
	if !strings.Contains(expvar.Get(rec.Name()).String(), OpRegisterDevice) {
		t.Fatalf("expvar output missing operation")
	}
}

func TestJSONTracerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), OpAddRegulatoryBody)
	span.End(domain.ErrUnauthorized)
	span.End(nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("span must be written once, got %d lines", len(lines))
	}
	var entry JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Operation != OpAddRegulatoryBody || entry.Status != "error" || entry.Error == "" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewPrometheusMetricsRecorder(reg)
	svc := newInitializedService(t, WithMetricsRecorder(MultiMetricsRecorder{prom, nil}))
	ctx := context.Background()
	if _, err := svc.RegisterDevice(ctx, alice, 1, domain.StatusManufactured); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, _ = svc.RegisterDevice(ctx, alice, 2, domain.StatusDeployed)
	prom.ObserveLedger(svc.Snapshot())

	if got := testutil.ToFloat64(prom.Operations.WithLabelValues(OpRegisterDevice, "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(prom.Operations.WithLabelValues(OpRegisterDevice, "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if testutil.ToFloat64(prom.Devices) != 1 || testutil.ToFloat64(prom.Sequence) != 1 {
		t.Fatalf("unexpected ledger gauges")
	}
	var nilRecorder *PrometheusMetricsRecorder
	nilRecorder.Observe(ctx, OpRegisterDevice, true, time.Millisecond)
	nilRecorder.ObserveLedger(domain.Snapshot{})
}
