package models

// DepositRequest is an intent to add outside funds to an account.
type DepositRequest struct {
	AccountID      string
	Amount         int64
	IdempotencyKey string
}

// TransferRequest is an intent to move money to another wallet.
// SourceAccountID must come from an authenticated caller.
type TransferRequest struct {
	SourceAccountID string
	DestAlias       string
	Amount          int64
	Memo            string
	IdempotencyKey  string
}
