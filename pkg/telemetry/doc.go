// Package telemetry provides observability for labforge.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher into one
// Telemetry bundle that the pipeline and the archiver share.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Loggers are derived per component and per lab:
//
//	logger := tel.Logger.NewComponentLogger("pipeline").WithLab(lab.ID, lab.Name)
//	logger.Info("terraform apply finished")
//
// # Tracing
//
// A deploy or destroy run opens a pipeline span and one child span per
// stage. Archive operations open their own span. The "none" exporter
// still creates spans, which keeps trace ids in the logs.
//
// # Metrics
//
// All metrics live under the "labforge" namespace:
//
//   - pipeline_runs_started_total, pipeline_runs_completed_total
//   - pipeline_run_duration_seconds, pipeline_stage_duration_seconds
//   - process_invocations_total, process_duration_seconds
//   - archive_operations_total, policy_denials_total
//   - active_pipelines
//
// Metrics implements process.Recorder, so every terraform and ansible
// invocation is counted. Serve exposes the registry over HTTP.
//
// # Events
//
// The pipeline publishes stage events keyed by lab and deployment log id.
// The CLI subscribes with FilterByLogID to stream progress while a
// deployment runs in the background.
package telemetry
