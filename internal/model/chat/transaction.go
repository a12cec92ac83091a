package chat

import (
	"maps"
	"time"
)

// TransactionKind is the kind of blockchain action the assistant proposed.
type TransactionKind string

const (
	KindTransfer TransactionKind = "transfer"
	KindApprove  TransactionKind = "approve"
)

// TransactionStatus tracks an attached transaction. This client only ever
// creates pending records; confirmation happens elsewhere.
type TransactionStatus string

const StatusPending TransactionStatus = "pending"

// TxPayload is the opaque transaction the wallet will sign.
type TxPayload struct {
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
	ChainID int64  `json:"chainId"`
}

// PendingTransaction is a proposal pushed by the backend that still has to be
// attached to the assistant message that caused it.
type PendingTransaction struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"chatId"`
	Type           TransactionKind `json:"type"`
	Transaction    TxPayload       `json:"transaction"`
	Details        map[string]any  `json:"details,omitempty"`
	ButtonText     string          `json:"buttonText"`
	ExplorerURL    string          `json:"explorerUrl,omitempty"`
}

// TransactionData holds presentation details next to the payload.
type TransactionData struct {
	Transaction TxPayload      `json:"transaction"`
	Details     map[string]any `json:"details,omitempty"`
	ButtonText  string         `json:"buttonText"`
	ChainID     int64          `json:"chainId"`
}

// Transaction is the record attached to an assistant message.
type Transaction struct {
	ID        string            `json:"id"`
	Hash      *string           `json:"hash"`
	Status    TransactionStatus `json:"status"`
	Type      TransactionKind   `json:"type"`
	Data      TransactionData   `json:"data"`
	UserID    string            `json:"userId"`
	MessageID string            `json:"messageId"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Clone deep-copies the record.
func (t Transaction) Clone() Transaction {
	out := t
	if t.Hash != nil {
		h := *t.Hash
		out.Hash = &h
	}
	out.Data.Details = maps.Clone(t.Data.Details)
	return out
}

// NewPendingRecord builds the record attached to messageID for tx.
func NewPendingRecord(tx PendingTransaction, messageID, userID string, now time.Time) Transaction {
	return Transaction{
		ID:     tx.ID,
		Status: StatusPending,
		Type:   tx.Type,
		Data: TransactionData{
			Transaction: tx.Transaction,
			Details:     maps.Clone(tx.Details),
			ButtonText:  tx.ButtonText,
			ChainID:     tx.Transaction.ChainID,
		},
		UserID:    userID,
		MessageID: messageID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
