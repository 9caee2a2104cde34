package interviewer

import "go.opentelemetry.io/otel"

const scopeName = "github.com/harunnryd/interviewer/pkg/interviewer"

var tracer = otel.Tracer(scopeName)
