package context

import "context"

type ctxKey string

const (
	runIDKey      ctxKey = "run_id"
	jobKey        ctxKey = "job"
	templateIDKey ctxKey = "template_id"
	invoiceIDKey  ctxKey = "invoice_id"
)

// WithRunID stores the scheduler run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

// WithJob stores the scheduler job name on the context.
func WithJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, jobKey, job)
}

func JobFromContext(ctx context.Context) string {
	return stringValue(ctx, jobKey)
}

// WithTemplateID marks work done on behalf of one recurring template.
func WithTemplateID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, templateIDKey, id)
}

func TemplateIDFromContext(ctx context.Context) string {
	return stringValue(ctx, templateIDKey)
}

// WithInvoiceID marks work done on one invoice.
func WithInvoiceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invoiceIDKey, id)
}

func InvoiceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, invoiceIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
