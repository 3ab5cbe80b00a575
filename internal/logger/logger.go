// Package logger provides the structured logging contract shared by every
// completion-broker component.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the minimal structured-logging contract every component accepts
// via constructor injection. There is no package-level singleton.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAware lets a component tag its own log lines (component=completion/queue,
// completion/provider, ...) while sharing one underlying sink and level.
type ComponentAware interface {
	Logger
	WithComponent(component string) Logger
}

// NoOp discards everything. Default when no logger is supplied.
type NoOp struct{}

func (NoOp) Debug(string, map[string]interface{})                                    {}
func (NoOp) Info(string, map[string]interface{})                                     {}
func (NoOp) Warn(string, map[string]interface{})                                     {}
func (NoOp) Error(string, map[string]interface{})                                    {}
func (NoOp) DebugWithContext(context.Context, string, map[string]interface{})        {}
func (NoOp) InfoWithContext(context.Context, string, map[string]interface{})         {}
func (NoOp) WarnWithContext(context.Context, string, map[string]interface{})         {}
func (NoOp) ErrorWithContext(context.Context, string, map[string]interface{})        {}
func (NoOp) WithComponent(string) Logger                                             { return NoOp{} }

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx for trace correlation in log lines.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Production is a JSON-or-text structured logger, selected by KSI_LOG_FORMAT.
// It implements ComponentAware: WithComponent returns a shallow copy tagged
// with a different component name, sharing the same sink and level.
type Production struct {
	level     string
	debug     bool
	component string
	format    string
	output    io.Writer
}

// New builds a Production logger. format is "json" or "text"; level is one of
// debug/info/warn/error (case-insensitive).
func New(level, format, component string) *Production {
	return &Production{
		level:     strings.ToLower(level),
		debug:     strings.ToLower(level) == "debug",
		component: component,
		format:    format,
		output:    os.Stdout,
	}
}

func (p *Production) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *Production) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.emit(nil, "DEBUG", msg, fields)
	}
}
func (p *Production) Info(msg string, fields map[string]interface{}) { p.emit(nil, "INFO", msg, fields) }
func (p *Production) Warn(msg string, fields map[string]interface{}) { p.emit(nil, "WARN", msg, fields) }
func (p *Production) Error(msg string, fields map[string]interface{}) {
	p.emit(nil, "ERROR", msg, fields)
}

func (p *Production) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.emit(ctx, "DEBUG", msg, fields)
	}
}
func (p *Production) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.emit(ctx, "INFO", msg, fields)
}
func (p *Production) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.emit(ctx, "WARN", msg, fields)
}
func (p *Production) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.emit(ctx, "ERROR", msg, fields)
}

func (p *Production) emit(ctx context.Context, level, msg string, fields map[string]interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	requestID := requestIDFromContext(ctx)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"component": p.component,
			"message":   msg,
		}
		if requestID != "" {
			entry["request_id"] = requestID
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", ts, level, p.component)
	if requestID != "" {
		fmt.Fprintf(&b, " req=%s", requestID)
	}
	fmt.Fprintf(&b, " %s", msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(p.output, b.String())
}
