package logger

import (
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"
)

var sensitive = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"cookie":        {},
}

func redactHeaderValue(k, v string) string {
	if v == "" {
		return ""
	}
	if _, ok := sensitive[strings.ToLower(k)]; ok {
		return "<redacted>"
	}
	return v
}

// SafeHeaders returns a compact string representation of request headers
// suitable for logging with sensitive values redacted.
func SafeHeaders(h *fasthttp.RequestHeader) string {
	var parts []string
	h.VisitAll(func(k, v []byte) {
		parts = append(parts, string(k)+"="+redactHeaderValue(string(k), string(v)))
	})
	return strings.Join(parts, "; ")
}

// LogRequest logs a concise, safe summary of an incoming request at debug
// level on l.
func LogRequest(l *slog.Logger, ctx *fasthttp.RequestCtx) {
	if l == nil {
		return
	}
	l.Debug("incoming_request",
		"method", string(ctx.Method()),
		"path", string(ctx.Path()),
		"remote", ctx.RemoteAddr().String(),
		"headers", SafeHeaders(&ctx.Request.Header),
	)
}
