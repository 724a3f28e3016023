package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/abkawan/sendmoney-ledger/internal/models"
)

func TestDecodeTransferEvent(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 123456000, time.UTC)
	body, err := json.Marshal(models.TransferEvent{
		TransactionID:    "6f1c1c1e-5a4b-4a52-9f0e-3f1c0c7d0a11",
		FromAccountID:    "demoUser",
		ToLabel:          "Amit Sharma",
		Amount:           2500,
		ResultingBalance: 97500,
		Timestamp:        ts,
	})
	if err != nil {
		t.Fatal(err)
	}

	event, err := DecodeTransferEvent(body)
	if err != nil {
		t.Fatalf("DecodeTransferEvent: %v", err)
	}
	if event.FromAccountID != "demoUser" || event.ResultingBalance != 97500 || !event.Timestamp.Equal(ts) {
		t.Errorf("event = %+v", event)
	}
}

func TestDecodeTransferEventRejects(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"transactionId":`,
		"missing id":    `{"fromAccountId":"demoUser","amount":5}`,
		"wrong id type": `{"transactionId":12}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeTransferEvent([]byte(body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
