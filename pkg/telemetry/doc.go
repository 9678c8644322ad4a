// Package telemetry provides logging, tracing and metrics for projup.
//
// # Architecture
//
//  1. Structured Logging - zerolog, with component, run and project child loggers
//  2. Distributed Tracing - OpenTelemetry spans exported to stdout or OTLP
//  3. Metrics Collection - Prometheus counters fed by the engine through engine.Observer
//  4. Progress Sink - the engine.LogSink that keeps every progress line and
//     echoes it asynchronously to the log and the run store
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	sink := tel.NewSink(store)
//	defer sink.Close()
//
//	eng := engine.New(connector, solution, engine.Options{
//	    Sink:     sink,
//	    Observer: tel.Metrics,
//	    Tracer:   tel.Tracer.Tracer(),
//	})
//
// # Metrics
//
// Metrics live on a private registry. They are served over HTTP when a listen
// address is configured and written as a node-exporter textfile on Shutdown
// when a textfile path is configured.
package telemetry
