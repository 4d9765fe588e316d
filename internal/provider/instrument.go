package provider

import (
	"context"
	"errors"

	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	"github.com/smallbiznis/fiscal/internal/observability/tracing"
	"github.com/smallbiznis/fiscal/internal/provider/domain"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "fiscal/provider"

type instrumented struct {
	next    domain.Adapter
	metrics *obsmetrics.Metrics
}

// Instrument wraps adapter with a span and a call counter per operation.
func Instrument(adapter domain.Adapter, metrics *obsmetrics.Metrics) domain.Adapter {
	if adapter == nil {
		return nil
	}
	return &instrumented{next: adapter, metrics: metrics}
}

func (i *instrumented) Unwrap() domain.Adapter {
	return i.next
}

func (i *instrumented) Kind() string {
	return i.next.Kind()
}

func (i *instrumented) observe(ctx context.Context, operation string, fn func(context.Context) error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "provider."+operation,
		attribute.String("provider", i.next.Kind()),
	)
	err := fn(ctx)
	i.metrics.RecordProviderCall(ctx, i.next.Kind(), operation, outcomeOf(err))
	if errors.Is(err, domain.ErrArtifactNotReady) {
		err = nil
	}
	tracing.EndSpan(span, err)
}

func (i *instrumented) CreateDocument(ctx context.Context, token string, req domain.DocumentRequest) (doc *domain.CreatedDocument, err error) {
	i.observe(ctx, "create_document", func(ctx context.Context) error {
		doc, err = i.next.CreateDocument(ctx, token, req)
		return err
	})
	return doc, err
}

func (i *instrumented) Finalize(ctx context.Context, token string, id domain.DocumentIdentity) (ref string, err error) {
	i.observe(ctx, "finalize", func(ctx context.Context) error {
		ref, err = i.next.Finalize(ctx, token, id)
		return err
	})
	return ref, err
}

func (i *instrumented) FetchPDF(ctx context.Context, token string, id domain.DocumentIdentity) (pdf []byte, err error) {
	i.observe(ctx, "fetch_pdf", func(ctx context.Context) error {
		pdf, err = i.next.FetchPDF(ctx, token, id)
		return err
	})
	return pdf, err
}

func (i *instrumented) FetchQR(ctx context.Context, token string, id domain.DocumentIdentity) (qr string, err error) {
	i.observe(ctx, "fetch_qr", func(ctx context.Context) error {
		qr, err = i.next.FetchQR(ctx, token, id)
		return err
	})
	return qr, err
}

func (i *instrumented) Void(ctx context.Context, token string, req domain.VoidRequest) (res *domain.VoidResult, err error) {
	i.observe(ctx, "void", func(ctx context.Context) error {
		res, err = i.next.Void(ctx, token, req)
		return err
	})
	return res, err
}

func (i *instrumented) ResolveOrCreateClient(ctx context.Context, token string, client domain.Client) (id string, err error) {
	i.observe(ctx, "resolve_client", func(ctx context.Context) error {
		id, err = i.next.ResolveOrCreateClient(ctx, token, client)
		return err
	})
	return id, err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrArtifactNotReady):
		return "not_ready"
	default:
		return string(fiscalerr.KindOf(err))
	}
}
