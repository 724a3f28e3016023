package models

// Account is the balance record held for one account identity.
type Account struct {
	ID      string `json:"accountId" bson:"_id"`
	Balance int64  `json:"balance" bson:"balance"`
}

// BalanceResponse is returned by GET /balance/{accountId}
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}
