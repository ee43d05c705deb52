package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// HeaderCorrelationID carries the trace id of a request back to the client.
const HeaderCorrelationID = "X-Correlation-ID"

// apiResponse remembers what the handler wrote.
type apiResponse struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *apiResponse) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *apiResponse) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += n
	return n, err
}

// route is the ServeMux pattern of r once the mux has matched it, or the raw
// path for unmatched requests. User ids never end up in metric labels this way.
func route(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

// statusClass buckets a status code as "2xx", "4xx" and so on.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Middleware instruments an API handler. Every request gets a server span
// continuing any W3C traceparent, the [HeaderCorrelationID] response header, a
// sample in [Metrics.HTTPRequestDuration] and one log line. Client errors log
// at info, server errors at warn.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			w.Header().Set(HeaderCorrelationID, cid)

			resp := &apiResponse{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(resp, r)

			elapsed := time.Since(start)
			path := route(r)
			span.SetName(path)
			span.SetAttributes(semconv.HTTPResponseStatusCode(resp.status))
			if resp.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(resp.status))
			}
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", path),
				attribute.String("status", statusClass(resp.status)),
			))

			attrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("route", path),
				slog.Int("status", resp.status),
				slog.Int("bytes", resp.written),
				slog.Duration("elapsed", elapsed),
			}
			if user := r.PathValue("user"); user != "" {
				attrs = append(attrs, slog.String("user_id", user))
			}
			level := slog.LevelInfo
			if resp.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			slog.LogAttrs(ctx, level, "api request", attrs...)
		})
	}
}
