package playback

import "go.opentelemetry.io/otel"

const scopeName = "github.com/harunnryd/interviewer/pkg/playback"

var tracer = otel.Tracer(scopeName)
