// Package observability provides metrics for the controller and its HTTP surface.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrSuccess    = "success"
	attrStep       = "step"
	attrTransition = "transition"
	attrLoop       = "loop"
	attrSink       = "sink"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func transitionAttr(transition string) attribute.KeyValue {
	return attribute.String(attrTransition, transition)
}

func loopAttr(loop string) attribute.KeyValue {
	return attribute.String(attrLoop, loop)
}

func sinkAttr(sink string) attribute.KeyValue {
	return attribute.String(attrSink, sink)
}

// normalizePath replaces the job id segment to keep cardinality bounded:
// /v1/jobs/42/command -> /v1/jobs/{jobId}/command
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{jobId}" + rest[i:]
	}
	return prefix + "{jobId}"
}
