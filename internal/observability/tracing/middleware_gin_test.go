package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attr(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.Emit(), true
		}
	}
	return "", false
}

func TestGinMiddlewareNamesSpanAfterRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := recordSpans(t)

	r := gin.New()
	r.Use(GinMiddleware())
	r.POST("/v1/organizations/:orgID/invoices", func(c *gin.Context) {
		_ = c.Error(&fiscalerr.Error{Kind: fiscalerr.KindProviderRequestFailed, Reason: "upstream said no", ProviderDetail: "secret body"})
		c.Status(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/organizations/1/invoices", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "HTTP POST /v1/organizations/:orgID/invoices", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)

	kind, ok := attr(span.Attributes(), "fiscal.error_kind")
	require.True(t, ok)
	assert.Equal(t, string(fiscalerr.KindProviderRequestFailed), kind)

	require.Len(t, span.Events(), 1)
	msg, _ := attr(span.Events()[0].Attributes, "exception.message")
	assert.NotContains(t, msg, "secret body")
}

func TestGinMiddlewareLeavesSuccessUnset(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := recordSpans(t)

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	_, ok := attr(spans[0].Attributes(), "fiscal.error_kind")
	assert.False(t, ok)
}
