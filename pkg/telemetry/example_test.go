package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stackprobe/stackprobe/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "stackprobe"
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Pipeline started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("driver")

	// Add context fields
	logger = logger.WithRunID("run-20260827-153000").WithArchID("arch-42")

	logger.Debug("Picking up item for generation")
	logger.Info("Probe generated")
	logger.Warn("Generation rate limited")

	err := fmt.Errorf("backend unreachable")
	logger.WithError(err).Error("Validation task failed")

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates metrics collection.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordRunStarted()
	tel.Metrics.RecordItemRegistered()

	tel.Metrics.RecordGenerationCall("success")
	tel.Metrics.RecordGenerationSpend(1200)
	tel.Metrics.RecordStage("generation", 3*time.Second)

	tel.Metrics.RecordBackendStart("started")
	tel.Metrics.RecordTask("PASSED", 2*time.Minute)
	tel.Metrics.RecordBackendStop()

	tel.Metrics.RecordItemCompleted("PASSED")
	tel.Metrics.RecordRunCompleted("completed", 5*time.Minute)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false // Synchronous for example

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
	}, nil) // No filter, receive all events

	tel.Events.PublishRunStarted("run-20260827-153000", 12)
	tel.Events.PublishProbeGenerated("run-20260827-153000", "arch-42", "generated")
	tel.Events.PublishItemCompleted("run-20260827-153000", "arch-42", "PASSED", 2*time.Minute)

	// Output varies due to async nature, no output specified
}

// Example_runInstrumentation demonstrates instrumenting a complete run.
func Example_runInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	runID := "run-20260827-153000"
	ctx = telemetry.WithRunContext(ctx, runID, 3)

	processItem(ctx, runID)

	telemetry.EndRunContext(ctx, runID, "completed", 3, 0, nil)

	fmt.Println("Run instrumentation complete")
	// Output: Run instrumentation complete
}

func processItem(ctx context.Context, runID string) {
	ctx = telemetry.WithItemContext(ctx, runID, "arch-42", "generation")

	logger := telemetry.FromContext(ctx)
	logger.Info("Generating probe")

	time.Sleep(10 * time.Millisecond)

	telemetry.EndItemContext(ctx, "generation", nil)
}

// Example_instrumentedOperation demonstrates using the InstrumentedContext helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "manifest.load",
		attribute.String("manifest.path", "architectures.yaml"),
	)
	defer ic.End(nil)

	ic.Logger.Info("Loading architecture manifest")

	time.Sleep(5 * time.Millisecond)

	ic.Logger.Debug("Manifest loaded")

	fmt.Println("Operation instrumentation complete")
	// Output: Operation instrumentation complete
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe with level filter (only warnings and errors)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Important event: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	// Subscribe with type filter (only rate limit events)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Rate limit: %s\n", event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeItemRateLimited))

	tel.Events.PublishRunStarted("run-1", 5)                              // Info - filtered by level filter
	tel.Events.PublishItemRateLimited("run-1", "arch-1", 30*time.Second) // Warning - passes level filter
	tel.Events.PublishRunFailed("run-1", "error")                        // Error - passes level filter

	// Output varies, no output specified
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	cfg.ServiceName = "stackprobe"
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1 // 10% sampling
	cfg.Tracing.Insecure = false   // Use TLS in production

	cfg.Metrics.ListenAddress = ":9090"
	cfg.Metrics.Namespace = "stackprobe"

	cfg.Events.BufferSize = 10000
	cfg.Events.FlushInterval = 5 * time.Second

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}

// Example_errorRecording demonstrates error recording with proper classification.
func Example_errorRecording() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ctx, span := tel.Tracer.Start(ctx, "generation.call")
	defer span.End()

	err := fmt.Errorf("connection timeout")

	if err != nil {
		telemetry.RecordError(span, err)
		tel.Metrics.RecordError("timeout")

		logger := telemetry.FromContext(ctx)
		logger.WithError(err).Error("Generation call failed")
	}

	fmt.Println("Error recording complete")
	// Output: Error recording complete
}

// Example_multipleComponents demonstrates telemetry in a multi-component system.
func Example_multipleComponents() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	driverLogger := tel.Logger.NewComponentLogger("driver")
	backendLogger := tel.Logger.NewComponentLogger("backend")
	executorLogger := tel.Logger.NewComponentLogger("executor")

	driverLogger.Info("Driver initialized")
	backendLogger.Info("Pulling backend image")
	executorLogger.Info("Materializing probe files")

	fmt.Println("Multi-component logging complete")
	// Output: Multi-component logging complete
}
