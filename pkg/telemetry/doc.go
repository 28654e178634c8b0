// Package telemetry provides observability for the stanza development cycle.
//
// The package integrates structured logging (zerolog), tracing
// (OpenTelemetry), metrics (Prometheus), health endpoints (healthcheck) and
// lifecycle event publishing into one Telemetry value created at startup.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	admin := telemetry.NewAdminServer(":9464", tel.Metrics, tel.Logger.Zerolog())
//	admin.AddReadinessCheck("first-build", orchestrator.Ready)
//	if err := admin.Start(); err != nil {
//	    return err
//	}
//
// # Metrics
//
// Metrics are namespaced "stanza" and labelled by bundle:
//
//	stanza_builds_completed_total{bundle,status}
//	stanza_build_duration_seconds{bundle}
//	stanza_compiling{bundle}
//	stanza_process_starts_total{bundle}
//	stanza_process_exits_total{bundle,expected}
//	stanza_vendor_rebuilds_total{cache,status}
//	stanza_vendor_cache_hits_total{cache}
//	stanza_http_requests_total{bundle,code}
//	stanza_live_reload_clients{bundle}
//	stanza_errors_by_class_total{class}
//	stanza_orchestration_cycles_total
//	stanza_active_bundles
//
// Every Record method is a no-op on a nil or disabled Metrics value, so
// components never need to check whether metrics are configured.
//
// # Events
//
// EventPublisher carries lifecycle events (cycle, vendor, build, process,
// server) to subscribers such as the build journal in pkg/stores.
// Asynchronous publishers deliver events in publish order, and Shutdown
// delivers anything still queued.
package telemetry
