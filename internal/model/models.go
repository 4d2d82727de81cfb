package model

import (
	"time"
)

// Ticket 票据模型
type Ticket struct {
	ID          int64      `json:"id"`
	HolderID    string     `json:"holderId"`
	TripID      string     `json:"tripId"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Credential  *string    `json:"credential,omitempty"`
	IsValidated bool       `json:"isValidated"`
	ValidatedBy *string    `json:"validatedBy,omitempty"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty"`
	IsExpired   bool       `json:"isExpired"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty"`
	IsPaid      bool       `json:"isPaid"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// TokenMetadata 令牌元数据, 随票据过期淘汰
type TokenMetadata struct {
	TokenID   string     `json:"tokenId"`
	TicketID  int64      `json:"ticketId"`
	HolderID  string     `json:"holderId"`
	Amount    *int64     `json:"amount,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Used      bool       `json:"used"`
	UsedBy    string     `json:"usedBy,omitempty"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
}

// TokenPayload 凭证中加密的明文
type TokenPayload struct {
	TokenID   string    `json:"token_id"`
	TicketID  int64     `json:"ticket_id"`
	HolderID  string    `json:"holder_id"`
	Amount    *int64    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     string    `json:"nonce"`
}

// Outcome 核验结果
type Outcome string

const (
	OutcomeOK                 Outcome = "OK"
	OutcomeNotFound           Outcome = "NOT_FOUND"
	OutcomeExpired            Outcome = "EXPIRED"
	OutcomeAlreadyUsed        Outcome = "ALREADY_USED"
	OutcomeInvalidToken       Outcome = "INVALID_TOKEN"
	OutcomeStoreUnavailable   Outcome = "STORE_UNAVAILABLE"
	OutcomeLedgerInconsistent Outcome = "LEDGER_INCONSISTENT"
)

// Message 核验设备上显示的文字
func (o Outcome) Message() string {
	switch o {
	case OutcomeOK:
		return "Ticket validated"
	case OutcomeNotFound:
		return "Ticket unknown or no longer valid"
	case OutcomeExpired:
		return "This ticket has expired and can no longer be used"
	case OutcomeAlreadyUsed:
		return "This ticket has already been validated"
	case OutcomeInvalidToken:
		return "Invalid or corrupted QR code"
	case OutcomeStoreUnavailable, OutcomeLedgerInconsistent:
		return "Validation service temporarily unavailable, scan again"
	default:
		return string(o)
	}
}

// Redemption 令牌存储原子核验的结果
type Redemption struct {
	Outcome Outcome
	// Record 原子步骤之后的状态, NOT_FOUND 时为nil
	Record *TokenMetadata
}

// PendingValidation 已被令牌存储接受但账本尚未写入的核验
type PendingValidation struct {
	TokenID     string    `json:"tokenId"`
	TicketID    int64     `json:"ticketId"`
	ValidatorID string    `json:"validatorId"`
	UsedAt      time.Time `json:"usedAt"`
}

// Issued 签发响应
type Issued struct {
	Ticket     *Ticket
	TokenID    string
	Credential string
	QRPNG      []byte
}

// RedeemResult 核验响应
type RedeemResult struct {
	Outcome         Outcome
	Ticket          *Ticket
	UsedBy          string
	UsedAt          *time.Time
	PaymentRequired bool
}

// ValidatorStats 核验员的核验统计
type ValidatorStats struct {
	TotalValidated int `json:"totalValidated"`
	PaidElectronic int `json:"paidElectronic"`
	CashPending    int `json:"cashPending"`
}
