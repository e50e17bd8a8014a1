package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/chumapay/ledger-service/internal/domain"
)

func TestPayoutConsumerDropsMalformedPayloads(t *testing.T) {
	repo := newLedgerRepoFake(standardAccount(1, "WATER2024", "10000"))
	consumer := NewPayoutResultConsumer(newTestService(repo, nil, nil))

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("malformed payloads must be acked; a replay cannot fix them")
	}
	if !consumer.HandleMessage([]byte(`{"result_code":0}`)) {
		t.Fatal("payloads without a conversation id must be acked")
	}
}

func TestPayoutConsumerSettlesWithdrawal(t *testing.T) {
	repo := newLedgerRepoFake(standardAccount(1, "WATER2024", "10000"))
	payout := &payoutGatewayStub{conversationID: "AG_consume"}
	service := newTestService(repo, payout, nil)
	consumer := NewPayoutResultConsumer(service)

	result, err := service.RequestWithdrawal(context.Background(), 1, "254712345678", decimal.RequireFromString("4000"))
	if err != nil {
		t.Fatalf("setup withdrawal failed: %v", err)
	}

	body, _ := json.Marshal(domain.PayoutResult{ConversationID: "AG_consume", ResultCode: 0})
	if !consumer.HandleMessage(body) {
		t.Fatal("successful settlement must ack")
	}
	if got := repo.accounts[1].Balance.String(); got != "6000" {
		t.Fatalf("expected balance 6000 after settlement, got %s", got)
	}
	record, _ := repo.FindTransactionByID(context.Background(), result.Transaction.ID)
	if record.Status != domain.TransactionStatusCompleted {
		t.Fatalf("expected completed, got %s", record.Status)
	}

	// Redelivery acks without touching the balance again.
	if !consumer.HandleMessage(body) {
		t.Fatal("redelivery must ack")
	}
	if got := repo.accounts[1].Balance.String(); got != "6000" {
		t.Fatalf("redelivery must not debit again; balance %s", got)
	}
}

func TestPayoutConsumerAcksUnknownConversation(t *testing.T) {
	repo := newLedgerRepoFake(standardAccount(1, "WATER2024", "10000"))
	consumer := NewPayoutResultConsumer(newTestService(repo, nil, nil))

	body, _ := json.Marshal(domain.PayoutResult{ConversationID: "AG_ghost", ResultCode: 0})
	if !consumer.HandleMessage(body) {
		t.Fatal("results for unknown conversations are dropped, not requeued")
	}
}
