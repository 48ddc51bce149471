package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"x402-engine/internal/observability"
	"x402-engine/internal/settlement"
	"x402-engine/internal/x402err"
)

type ConfirmationHandler interface {
	HandleConfirmation(ctx context.Context, conf settlement.Confirmation) error
}

// ConfirmationProcessor applies transfer confirmations read from kafka.
// Messages that can never apply (bad JSON, validation errors, unknown
// submissions) are logged and acknowledged; anything else is retried.
type ConfirmationProcessor struct {
	handler ConfirmationHandler
	logger  *observability.Logger
}

func NewConfirmationProcessor(handler ConfirmationHandler, logger *observability.Logger) *ConfirmationProcessor {
	return &ConfirmationProcessor{
		handler: handler,
		logger:  logger,
	}
}

func (p *ConfirmationProcessor) Name() string {
	return "transfer_confirmations"
}

func (p *ConfirmationProcessor) Process(ctx context.Context, msg Message) error {
	var conf settlement.Confirmation
	if err := json.Unmarshal(msg.Value, &conf); err != nil {
		p.logger.Error(ctx, "skipping malformed confirmation", err)
		return nil
	}
	ctx = observability.WithFields(ctx, observability.Field{Key: "submission_id", Value: conf.SubmissionID})

	err := p.handler.HandleConfirmation(ctx, conf)
	if err == nil {
		return nil
	}
	if x402err.HasCode(err, x402err.CodeValidation) || x402err.HasCode(err, x402err.CodeNotFound) {
		p.logger.Warn(ctx, fmt.Sprintf("skipping confirmation: %v", err))
		return nil
	}
	return fmt.Errorf("failed to apply confirmation: %w", err)
}
