// Package obs carries the ambient observability surface shared by every
// component: a package-level tracer matching the teacher's repository span
// convention, and the Prometheus collectors scraped by cmd/admin.
package obs

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is opened once per process and reused the way the teacher's
// repositories call tracer.Start(ctx, "operation.name") around every I/O
// call.
var Tracer trace.Tracer = otel.Tracer("github.com/stonegate/slgcore")
