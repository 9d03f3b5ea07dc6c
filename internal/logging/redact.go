package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const redactedPlaceholder = "[REDACTED]"

var (
	redactMu      sync.RWMutex
	redactSecrets []string
)

// RedactSecret registers a secret so that any log record passing through a
// configured logger has it scrubbed before reaching the sink. Secrets shorter
// than 4 characters are ignored to avoid mangling ordinary output.
func RedactSecret(secret string) {
	if len(secret) < 4 {
		return
	}
	redactMu.Lock()
	defer redactMu.Unlock()
	redactSecrets = append(redactSecrets, secret)
}

// ResetSecrets clears all registered secrets. Intended for tests.
func ResetSecrets() {
	redactMu.Lock()
	defer redactMu.Unlock()
	redactSecrets = nil
}

func redact(s string) string {
	redactMu.RLock()
	defer redactMu.RUnlock()
	for _, secret := range redactSecrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, redactedPlaceholder)
		}
	}
	return s
}

// redactHandler wraps a slog.Handler and scrubs registered secrets from the
// message and from the string, error and group attribute values of every
// record. Other attribute values (numbers, arbitrary structs, slices) are
// passed through unchanged.
type redactHandler struct {
	inner slog.Handler
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redact(v.String()))
	case slog.KindGroup:
		attrs := v.Group()
		cleaned := make([]any, 0, len(attrs))
		for _, ga := range attrs {
			cleaned = append(cleaned, redactAttr(ga))
		}
		return slog.Group(a.Key, cleaned...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, redact(err.Error()))
		}
		return a
	default:
		return a
	}
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		cleaned = append(cleaned, redactAttr(a))
	}
	return &redactHandler{inner: h.inner.WithAttrs(cleaned)}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name)}
}
