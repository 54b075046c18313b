package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxMemoBytes is the on-ledger memo cap. Larger payloads go to an immutable message log.
const MaxMemoBytes = 100

// OperationKind identifies the payload carried by an Operation.
type OperationKind string

const (
	OpDefineFungibleToken    OperationKind = "define_fungible_token"
	OpDefineUniqueTokenClass OperationKind = "define_unique_token_class"
	OpMintUnique             OperationKind = "mint_unique"
	OpTransfer               OperationKind = "transfer"
	OpBurn                   OperationKind = "burn"
	OpRecordMessage          OperationKind = "record_immutable_message"
	OpLockFunds              OperationKind = "lock_funds"
	OpReleaseFunds           OperationKind = "release_funds"
	OpRefundFunds            OperationKind = "refund_funds"
)

// MovesFunds reports whether the operation moves money held by the ledger.
func (k OperationKind) MovesFunds() bool {
	switch k {
	case OpLockFunds, OpReleaseFunds, OpRefundFunds:
		return true
	}
	return false
}

// Operation is a single ledger write. Exactly one payload matching Kind is set.
type Operation struct {
	Kind           OperationKind `json:"kind"`
	IdempotencyRef string        `json:"idempotency_ref"`

	DefineFungible    *DefineFungibleToken    `json:"define_fungible,omitempty"`
	DefineUniqueClass *DefineUniqueTokenClass `json:"define_unique_class,omitempty"`
	MintUnique        *MintUnique             `json:"mint_unique,omitempty"`
	Transfer          *Transfer               `json:"transfer,omitempty"`
	Burn              *Burn                   `json:"burn,omitempty"`
	RecordMessage     *RecordImmutableMessage `json:"record_message,omitempty"`
	LockFunds         *LockFunds              `json:"lock_funds,omitempty"`
	ReleaseFunds      *ReleaseFunds           `json:"release_funds,omitempty"`
	RefundFunds       *RefundFunds            `json:"refund_funds,omitempty"`
}

type DefineFungibleToken struct {
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	Decimals      int    `json:"decimals"`
	InitialSupply int64  `json:"initial_supply"`
	Treasury      string `json:"treasury"`
	Memo          string `json:"memo"`
}

type DefineUniqueTokenClass struct {
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	MaxSupply int64  `json:"max_supply"`
	Treasury  string `json:"treasury"`
	Memo      string `json:"memo"`
}

type MintUnique struct {
	TokenID  string `json:"token_id"`
	Metadata []byte `json:"metadata"`
}

// Transfer moves Amount units of a fungible token, or the unique token Serial when Serial > 0.
type Transfer struct {
	TokenID string `json:"token_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  int64  `json:"amount,omitempty"`
	Serial  int64  `json:"serial,omitempty"`
}

type Burn struct {
	TokenID string `json:"token_id"`
	Serial  int64  `json:"serial"`
}

type RecordImmutableMessage struct {
	TopicRef string `json:"topic_ref"`
	Payload  []byte `json:"payload"`
}

type LockFunds struct {
	Amount decimal.Decimal `json:"amount"`
	Payer  string          `json:"payer"`
	Memo   string          `json:"memo"`
}

// ReleaseFunds pays PayeeAmount to Payee and PlatformFee to the platform account.
// The two must add up to the locked amount.
type ReleaseFunds struct {
	EscrowRef   string          `json:"escrow_ref"`
	Payee       string          `json:"payee"`
	PayeeAmount decimal.Decimal `json:"payee_amount"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
}

type RefundFunds struct {
	EscrowRef string `json:"escrow_ref"`
	Payer     string `json:"payer"`
}

func NewDefineFungibleToken(ref string, p DefineFungibleToken) Operation {
	return Operation{Kind: OpDefineFungibleToken, IdempotencyRef: ref, DefineFungible: &p}
}

func NewDefineUniqueTokenClass(ref string, p DefineUniqueTokenClass) Operation {
	return Operation{Kind: OpDefineUniqueTokenClass, IdempotencyRef: ref, DefineUniqueClass: &p}
}

func NewMintUnique(ref string, p MintUnique) Operation {
	return Operation{Kind: OpMintUnique, IdempotencyRef: ref, MintUnique: &p}
}

func NewTransfer(ref string, p Transfer) Operation {
	return Operation{Kind: OpTransfer, IdempotencyRef: ref, Transfer: &p}
}

func NewBurn(ref string, p Burn) Operation {
	return Operation{Kind: OpBurn, IdempotencyRef: ref, Burn: &p}
}

func NewRecordMessage(ref string, p RecordImmutableMessage) Operation {
	return Operation{Kind: OpRecordMessage, IdempotencyRef: ref, RecordMessage: &p}
}

func NewLockFunds(ref string, p LockFunds) Operation {
	return Operation{Kind: OpLockFunds, IdempotencyRef: ref, LockFunds: &p}
}

func NewReleaseFunds(ref string, p ReleaseFunds) Operation {
	return Operation{Kind: OpReleaseFunds, IdempotencyRef: ref, ReleaseFunds: &p}
}

func NewRefundFunds(ref string, p RefundFunds) Operation {
	return Operation{Kind: OpRefundFunds, IdempotencyRef: ref, RefundFunds: &p}
}

// Validate checks that the operation is well formed before it is sent anywhere.
func (op Operation) Validate() error {
	if op.IdempotencyRef == "" {
		return fmt.Errorf("operation %s: idempotency reference is required", op.Kind)
	}

	var set int
	for _, present := range []bool{
		op.DefineFungible != nil, op.DefineUniqueClass != nil, op.MintUnique != nil,
		op.Transfer != nil, op.Burn != nil, op.RecordMessage != nil,
		op.LockFunds != nil, op.ReleaseFunds != nil, op.RefundFunds != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("operation %s: expected exactly one payload, got %d", op.Kind, set)
	}

	switch op.Kind {
	case OpDefineFungibleToken:
		if op.DefineFungible == nil {
			return payloadMismatch(op.Kind)
		}
		if op.DefineFungible.InitialSupply <= 0 {
			return fmt.Errorf("operation %s: initial supply must be positive", op.Kind)
		}
		return checkMemo(op.Kind, op.DefineFungible.Memo)
	case OpDefineUniqueTokenClass:
		if op.DefineUniqueClass == nil {
			return payloadMismatch(op.Kind)
		}
		if op.DefineUniqueClass.MaxSupply <= 0 {
			return fmt.Errorf("operation %s: max supply must be positive", op.Kind)
		}
		return checkMemo(op.Kind, op.DefineUniqueClass.Memo)
	case OpMintUnique:
		if op.MintUnique == nil {
			return payloadMismatch(op.Kind)
		}
		if op.MintUnique.TokenID == "" || len(op.MintUnique.Metadata) == 0 {
			return fmt.Errorf("operation %s: token id and metadata are required", op.Kind)
		}
	case OpTransfer:
		if op.Transfer == nil {
			return payloadMismatch(op.Kind)
		}
		t := op.Transfer
		if t.TokenID == "" || t.From == "" || t.To == "" {
			return fmt.Errorf("operation %s: token, from and to are required", op.Kind)
		}
		if (t.Amount > 0) == (t.Serial > 0) {
			return fmt.Errorf("operation %s: exactly one of amount or serial must be positive", op.Kind)
		}
	case OpBurn:
		if op.Burn == nil {
			return payloadMismatch(op.Kind)
		}
		if op.Burn.TokenID == "" || op.Burn.Serial <= 0 {
			return fmt.Errorf("operation %s: token id and serial are required", op.Kind)
		}
	case OpRecordMessage:
		if op.RecordMessage == nil {
			return payloadMismatch(op.Kind)
		}
		if op.RecordMessage.TopicRef == "" || len(op.RecordMessage.Payload) == 0 {
			return fmt.Errorf("operation %s: topic and payload are required", op.Kind)
		}
	case OpLockFunds:
		if op.LockFunds == nil {
			return payloadMismatch(op.Kind)
		}
		if !op.LockFunds.Amount.IsPositive() || op.LockFunds.Payer == "" {
			return fmt.Errorf("operation %s: positive amount and payer are required", op.Kind)
		}
		return checkMemo(op.Kind, op.LockFunds.Memo)
	case OpReleaseFunds:
		if op.ReleaseFunds == nil {
			return payloadMismatch(op.Kind)
		}
		r := op.ReleaseFunds
		if r.EscrowRef == "" || r.Payee == "" {
			return fmt.Errorf("operation %s: escrow reference and payee are required", op.Kind)
		}
		if r.PayeeAmount.IsNegative() || r.PlatformFee.IsNegative() {
			return fmt.Errorf("operation %s: amounts must not be negative", op.Kind)
		}
	case OpRefundFunds:
		if op.RefundFunds == nil {
			return payloadMismatch(op.Kind)
		}
		if op.RefundFunds.EscrowRef == "" || op.RefundFunds.Payer == "" {
			return fmt.Errorf("operation %s: escrow reference and payer are required", op.Kind)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	return nil
}

func payloadMismatch(kind OperationKind) error {
	return fmt.Errorf("operation %s: payload does not match kind", kind)
}

func checkMemo(kind OperationKind, memo string) error {
	if len(memo) > MaxMemoBytes {
		return fmt.Errorf("operation %s: memo exceeds %d bytes", kind, MaxMemoBytes)
	}
	return nil
}

// TruncateMemo cuts s to at most MaxMemoBytes without splitting a UTF-8 sequence.
func TruncateMemo(s string) string {
	if len(s) <= MaxMemoBytes {
		return s
	}
	cut := MaxMemoBytes
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

// ReceiptStatus is the outcome reported for a landed operation.
type ReceiptStatus string

const (
	ReceiptSuccess ReceiptStatus = "SUCCESS"
	ReceiptPending ReceiptStatus = "PENDING"
)

// Receipt is the durable proof that an operation landed on the ledger.
type Receipt struct {
	IdempotencyRef string        `json:"idempotency_ref"`
	Kind           OperationKind `json:"kind"`
	Status         ReceiptStatus `json:"status"`
	TransactionRef string        `json:"transaction_ref"`
	TokenID        string        `json:"token_id,omitempty"`
	Serial         int64         `json:"serial,omitempty"`
	TopicID        string        `json:"topic_id,omitempty"`
	SequenceNumber int64         `json:"sequence_number,omitempty"`
	EscrowRef      string        `json:"escrow_ref,omitempty"`
	ConsensusAt    time.Time     `json:"consensus_at"`
}
