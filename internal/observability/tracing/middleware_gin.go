package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/insurecard/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Routes addressing an
// issuance request carry its id so a trace can be found from the request.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("insurecard/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		method := strings.ToUpper(c.Request.Method)
		ctx, span := tracer.Start(ctx, "HTTP "+method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withBaggage(ctx, "request_id", requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		if issuanceID := strings.TrimSpace(c.Param("request_id")); issuanceID != "" {
			ctx = obscontext.WithIssuanceRequestID(ctx, issuanceID)
			span.SetAttributes(attribute.String("insurecard.issuance_request_id", issuanceID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		// ActorRequired runs inside c.Next, so the actor is only known now.
		if actorType, actorID := obscontext.ActorFromContext(c.Request.Context()); actorID != "" {
			attrs = append(attrs,
				attribute.String("insurecard.actor_type", actorType),
				attribute.String("insurecard.actor_role", obscontext.ActorRoleFromContext(c.Request.Context())),
			)
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}

func withBaggage(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMember(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
