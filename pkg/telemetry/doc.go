// Package telemetry provides observability instrumentation for StackProbe.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring validation runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "stackprobe"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("driver")
//	logger = logger.WithRunID("run-20260827-153000").WithArchID("arch-42")
//	logger.Info("Generating probe")
//	logger.WithError(err).Error("Generation failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run, item, and task flow:
//
//	ctx, span := tel.Tracer.StartTaskSpan(ctx, archID)
//	defer span.End()
//
//	span.SetAttributes(
//	    telemetry.AttrInstanceID.String(inst.ID),
//	    telemetry.AttrTaskStatus.String(string(result.Status)),
//	)
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track pipeline behavior:
//
//	tel.Metrics.RecordRunStarted()
//	tel.Metrics.RecordGenerationCall("rate_limited")
//	tel.Metrics.RecordRateLimitEvent()
//	tel.Metrics.RecordTask("PASSED", duration)
//	tel.Metrics.RecordError("transient")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishRunStarted(runID, itemCount)
//	tel.Events.PublishItemRateLimited(runID, archID, retryAfter)
//	tel.Events.PublishItemCompleted(runID, archID, "PASSED", duration)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByArchID
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Run context
//	ctx = telemetry.WithRunContext(ctx, runID, itemCount)
//	defer telemetry.EndRunContext(ctx, runID, status, passed, failed, err)
//
//	// Item stage context
//	ctx = telemetry.WithItemContext(ctx, runID, archID, "generation")
//	defer telemetry.EndItemContext(ctx, "generation", err)
//
//	// Backend operation
//	err := telemetry.RecordBackendOperation(ctx, "start", func() error {
//	    _, err := mgr.Start(ctx)
//	    return err
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - stackprobe_runs_started_total
//   - stackprobe_runs_completed_total{status}
//   - stackprobe_items_completed_total{state}
//   - stackprobe_stage_duration_seconds{stage}
//   - stackprobe_generation_calls_total{outcome}
//   - stackprobe_rate_limit_events_total
//   - stackprobe_tasks_executed_total{status}
//   - stackprobe_task_duration_seconds{status}
//   - stackprobe_backend_starts_total{status}
//   - stackprobe_active_backends
//   - stackprobe_errors_by_class_total{class}
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures all buffered events are published and all pending traces are
// exported before the process exits.
//
// # Security Considerations
//
//   - Never log credentials or generation API keys
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
