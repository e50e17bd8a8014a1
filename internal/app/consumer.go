package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/chumapay/ledger-service/internal/domain"
)

// PayoutResultConsumer applies asynchronous B2C payout results delivered over
// the message broker. The provider also posts results to the HTTP callback;
// both paths funnel into Service.HandlePayoutResult, which is idempotent.
type PayoutResultConsumer struct {
	service *Service
}

func NewPayoutResultConsumer(service *Service) *PayoutResultConsumer {
	return &PayoutResultConsumer{service: service}
}

// HandleMessage processes one broker delivery. Returning false requeues the
// message; malformed payloads are acknowledged and dropped since a replay
// cannot fix them.
func (c *PayoutResultConsumer) HandleMessage(body []byte) bool {
	var result domain.PayoutResult
	if err := json.Unmarshal(body, &result); err != nil {
		log.Printf("level=warn component=payout_consumer msg=\"unmarshal failed; dropping\" err=%v", err)
		return true
	}

	if result.ConversationID == "" {
		log.Printf("level=warn component=payout_consumer msg=\"missing conversation id; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.HandlePayoutResult(ctx, result); err != nil {
		log.Printf("level=error component=payout_consumer msg=\"processing failed; requeueing\" conversation_id=%s err=%v", result.ConversationID, err)
		return false
	}

	return true
}
