package response

import "go.opentelemetry.io/otel"

const scopeName = "github.com/harunnryd/interviewer/pkg/response"

var tracer = otel.Tracer(scopeName)
