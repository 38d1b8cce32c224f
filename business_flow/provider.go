package businessflow

import (
	"context"

	"github.com/amirphl/clinic-queue/models"
	"github.com/google/uuid"
)

// ProviderResult is what a provider reports for one send.
// Dispatched means the outcome arrives later through the command protocol;
// otherwise Status is final for this attempt.
type ProviderResult struct {
	Dispatched bool
	CommandID  *uuid.UUID
	Status     models.ResultStatus
	Error      *string
}

// WhatsAppProvider sends one message. A returned error is a local failure of the
// provider itself; ErrProviderUnavailable means nothing was attempted.
type WhatsAppProvider interface {
	Name() string
	Send(ctx context.Context, msg *models.Message) (ProviderResult, error)
}

// ProviderFactory selects the provider serving a moderator
type ProviderFactory interface {
	ProviderFor(ctx context.Context, moderatorID uint) (WhatsAppProvider, error)
}

// ProviderFactoryFunc adapts a function to ProviderFactory
type ProviderFactoryFunc func(ctx context.Context, moderatorID uint) (WhatsAppProvider, error)

func (f ProviderFactoryFunc) ProviderFor(ctx context.Context, moderatorID uint) (WhatsAppProvider, error) {
	return f(ctx, moderatorID)
}

// StaticProviderFactory serves every moderator with the same provider
func StaticProviderFactory(provider WhatsAppProvider) ProviderFactory {
	return ProviderFactoryFunc(func(context.Context, uint) (WhatsAppProvider, error) {
		return provider, nil
	})
}

// sendMessageIssuer hands a message to the extension as a SendMessage command
type sendMessageIssuer interface {
	IssueSendMessage(ctx context.Context, msg *models.Message) (*models.ExtensionCommand, error)
}

// ExtensionProvider sends through the moderator's paired browser extension
type ExtensionProvider struct {
	issuer sendMessageIssuer
}

// NewExtensionProvider creates the extension-backed provider
func NewExtensionProvider(issuer CommandFlow) *ExtensionProvider {
	return &ExtensionProvider{issuer: issuer}
}

func (p *ExtensionProvider) Name() string { return "extension" }

func (p *ExtensionProvider) Send(ctx context.Context, msg *models.Message) (ProviderResult, error) {
	cmd, err := p.issuer.IssueSendMessage(ctx, msg)
	if err != nil {
		return ProviderResult{}, err
	}
	return ProviderResult{Dispatched: true, CommandID: &cmd.ID}, nil
}
