package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "empty service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("pipeline").WithLab("lab-1", "webstack").WithLogID("log-1").Info("stage done")

	out := buf.String()
	for _, want := range []string{`"component":"pipeline"`, `"lab_id":"lab-1"`, `"lab":"webstack"`, `"log_id":"log-1"`, `"message":"stage done"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %s", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn should be logged, got %s", buf.String())
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext returned nil")
	}
	logger.Info("discarded")
}

func TestMetricsRecording(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordPipelineStarted()
	m.RecordPipelineStarted()
	m.RecordPipelineCompleted("deploy", "success", time.Second)
	m.RecordProcess("terraform", "success", time.Second)
	m.RecordProcess("terraform", "failure", time.Second)
	m.RecordArchiveOperation("export", "success")

	if got := testutil.ToFloat64(m.runsStarted); got != 2 {
		t.Errorf("runs started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activePipelines); got != 1 {
		t.Errorf("active pipelines = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.processInvocations.WithLabelValues("terraform", "failure")); got != 1 {
		t.Errorf("terraform failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.archiveOperations.WithLabelValues("export", "success")); got != 1 {
		t.Errorf("exports = %v, want 1", got)
	}
}

func TestMetricsDisabledAndNil(t *testing.T) {
	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	var nilMetrics *Metrics

	for _, m := range []*Metrics{disabled, nilMetrics} {
		m.RecordPipelineStarted()
		m.RecordPipelineCompleted("deploy", "failure", time.Second)
		m.RecordStage("deploy", "terraform_plan", "failure", time.Second)
		m.RecordProcess("ansible", "timeout", time.Second)
		m.RecordArchiveOperation("import", "failure")
		m.RecordPolicyDenial()
	}
}

func TestEventPublisherAsyncOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var (
		mu     sync.Mutex
		stages []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, e.Stage)
	}, FilterByType(EventTypeStageCompleted))

	for _, stage := range []string{"a", "b", "c"} {
		if err := ep.PublishStageCompleted("lab", "log", stage, "", 0); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	_ = ep.PublishPipelineFinished("lab", "log", "deploy", true, "done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(stages, ",") != "a,b,c" {
		t.Errorf("stages = %v, want a,b,c", stages)
	}

	if err := ep.PublishStageCompleted("lab", "log", "d", "", 0); err == nil {
		t.Error("Publish after Shutdown should fail")
	}
}

func TestEventPublisherUnsubscribe(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	count := 0
	unsubscribe := ep.Subscribe(func(Event) { count++ }, nil)

	_ = ep.PublishArchive("export", "lab", "exported")
	unsubscribe()
	_ = ep.PublishArchive("export", "lab", "exported")

	if count != 1 {
		t.Errorf("deliveries = %d, want 1", count)
	}
}

func TestFilterByLevel(t *testing.T) {
	filter := FilterByLevel(EventLevelWarning)
	if filter(Event{Level: EventLevelInfo}) {
		t.Error("info should be filtered")
	}
	if !filter(Event{Level: EventLevelError}) {
		t.Error("error should pass")
	}
}

func TestStartOperation(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())

	op := StartOperation(ctx, "archive.export")
	if op.Span == nil || op.Logger == nil {
		t.Fatal("StartOperation should populate span and logger")
	}
	op.End(nil)

	plain := StartOperation(context.Background(), "noop")
	plain.End(context.Canceled)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
