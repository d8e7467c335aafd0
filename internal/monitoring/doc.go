// Package monitoring exports Prometheus metrics for the security core.
//
// The Exporter keeps two kinds of series:
//
//   - counters fed by an audit log subscription, one per category, event
//     and severity
//   - gauges refreshed on every collect tick from the detector status
//     report, the audit writer, the call service, the gateway and the
//     process itself
//
// Usage:
//
//	exporter := monitoring.NewExporter(logger, cfg, monitoring.Sources{
//		Security: detector,
//		Audit:    auditLog,
//	})
//	unsubscribe := auditLog.SubscribeAll(exporter.ObserveAudit)
//	exporter.Start(ctx)
package monitoring
