package models

import (
	"encoding/json"
	"time"
)

// Transaction is an immutable ledger record written once per successful transfer.
type Transaction struct {
	ID               string    `json:"transactionId" bson:"_id"`
	FromAccountID    string    `json:"fromAccountId" bson:"from_account_id"`
	ToLabel          string    `json:"toLabel" bson:"to_label"`
	ToPhotoURL       string    `json:"toPhotoUrl,omitempty" bson:"to_photo_url,omitempty"`
	Amount           int64     `json:"amount" bson:"amount"`
	ResultingBalance int64     `json:"resultingBalance" bson:"resulting_balance"`
	Reference        string    `json:"reference,omitempty" bson:"reference,omitempty"`
	Timestamp        time.Time `json:"timestamp" bson:"timestamp"`

	// Seq breaks timestamp ties in insertion order.
	Seq int64 `json:"-" bson:"seq"`
}

// TransactionQuery selects a window of the transaction log.
type TransactionQuery struct {
	// AccountID restricts the log to one payer when set.
	AccountID string
	Limit     int
}

// SendMoneyRequest is the body of POST /send-money.
//
// fromUserId and name are accepted as aliases of fromAccountId and toName.
// Amount is kept raw so that both JSON numbers and numeric strings can be parsed.
type SendMoneyRequest struct {
	FromAccountID string          `json:"fromAccountId"`
	FromUserID    string          `json:"fromUserId,omitempty"`
	ToName        string          `json:"toName"`
	Name          string          `json:"name,omitempty"`
	ToPhotoURL    string          `json:"toPhotoUrl,omitempty"`
	Amount        json.RawMessage `json:"amount"`
	Reference     string          `json:"reference,omitempty"`
}

// Payer returns the paying account id, honouring the legacy alias.
func (r SendMoneyRequest) Payer() string {
	if r.FromAccountID != "" {
		return r.FromAccountID
	}
	return r.FromUserID
}

// Recipient returns the recipient label, honouring the legacy alias.
func (r SendMoneyRequest) Recipient() string {
	if r.ToName != "" {
		return r.ToName
	}
	return r.Name
}

// SendMoneyResponse is returned by a successful POST /send-money.
type SendMoneyResponse struct {
	TransactionID string `json:"transactionId"`
	NewBalance    int64  `json:"newBalance"`
}

// TransactionsResponse wraps the transaction list returned by GET /transactions.
type TransactionsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}
