package models

import "time"

// TransferEvent is published after a transfer has been committed.
type TransferEvent struct {
	TransactionID    string    `json:"transactionId" bson:"_id"`
	FromAccountID    string    `json:"fromAccountId" bson:"from_account_id"`
	ToLabel          string    `json:"toLabel" bson:"to_label"`
	Amount           int64     `json:"amount" bson:"amount"`
	ResultingBalance int64     `json:"resultingBalance" bson:"resulting_balance"`
	Timestamp        time.Time `json:"timestamp" bson:"timestamp"`
	ReceivedAt       time.Time `json:"-" bson:"received_at"`
}

// NewTransferEvent builds the event for a committed transaction.
func NewTransferEvent(tx *Transaction) TransferEvent {
	return TransferEvent{
		TransactionID:    tx.ID,
		FromAccountID:    tx.FromAccountID,
		ToLabel:          tx.ToLabel,
		Amount:           tx.Amount,
		ResultingBalance: tx.ResultingBalance,
		Timestamp:        tx.Timestamp,
	}
}
