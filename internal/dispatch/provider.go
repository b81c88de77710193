package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/you/jtd/internal/domain"
)

// SendRequest is what a channel provider needs for one attempt.
type SendRequest struct {
	EventID     string
	TenantID    string
	ChannelCode string
	Recipient   string
	TemplateKey *string
	Payload     map[string]any
}

// Provider is a channel gateway (email, sms, whatsapp). Failed sends
// must return *domain.ProviderError so the outcome can be classified;
// any other error is treated as transient.
type Provider interface {
	Send(ctx context.Context, req SendRequest) (domain.ProviderResult, error)
}

// LogProvider is the dev/test gateway: it logs the send and succeeds
// with a flat cost.
type LogProvider struct {
	Log  *zap.Logger
	Cost float64
}

func (p *LogProvider) Send(_ context.Context, req SendRequest) (domain.ProviderResult, error) {
	p.Log.Info("dispatch (dev provider)",
		zap.String("event_id", req.EventID),
		zap.String("tenant_id", req.TenantID),
		zap.String("channel", req.ChannelCode),
		zap.String("recipient", req.Recipient),
	)
	return domain.ProviderResult{ProviderCode: "devnull", Cost: p.Cost}, nil
}
