package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Fault is a failure the MemoryLedger returns for the next operation of a kind.
// When Landed is set the operation is applied before the error is returned,
// which reproduces a TIMEOUT whose operation actually reached consensus.
type Fault struct {
	Kind   ErrorKind
	Landed bool
}

type memToken struct {
	unique    bool
	treasury  string
	maxSupply int64
	balances  map[string]int64
	owners    map[int64]string
	burned    map[int64]bool
	metadata  map[int64][]byte
	minted    int64
}

type memTopic struct {
	id       string
	messages [][]byte
}

type holdStatus string

const (
	holdLocked   holdStatus = "locked"
	holdReleased holdStatus = "released"
	holdRefunded holdStatus = "refunded"
)

type memHold struct {
	amount decimal.Decimal
	payer  string
	status holdStatus
}

// MemoryLedger is an in-process Gateway used in development mode and tests.
// It keeps full ledger semantics: idempotent references, token supply,
// unique serial ownership and escrow holds.
type MemoryLedger struct {
	mu sync.Mutex

	operator        string
	platformAccount string
	strictFunds     bool
	now             func() time.Time

	nextEntity   int64
	receipts     map[string]*Receipt
	fingerprints map[string]string
	landed       map[OperationKind]int
	tokens       map[string]*memToken
	topics       map[string]*memTopic
	holds        map[string]*memHold
	funds        map[string]decimal.Decimal
	faults       map[OperationKind][]Fault
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithStrictFunds makes LockFunds fail with INSUFFICIENT_FUNDS unless the payer
// was funded with Fund.
func WithStrictFunds() MemoryOption {
	return func(l *MemoryLedger) { l.strictFunds = true }
}

// WithPlatformAccount sets the account credited with platform fees.
func WithPlatformAccount(account string) MemoryOption {
	return func(l *MemoryLedger) { l.platformAccount = account }
}

// WithOperator sets the account used as default treasury and transaction payer.
func WithOperator(account string) MemoryOption {
	return func(l *MemoryLedger) { l.operator = account }
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		operator:        "0.0.2",
		platformAccount: "0.0.98",
		now:             time.Now,
		nextEntity:      1000,
		receipts:        make(map[string]*Receipt),
		fingerprints:    make(map[string]string),
		landed:          make(map[OperationKind]int),
		tokens:          make(map[string]*memToken),
		topics:          make(map[string]*memTopic),
		holds:           make(map[string]*memHold),
		funds:           make(map[string]decimal.Decimal),
		faults:          make(map[OperationKind][]Fault),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit applies op atomically or returns a typed *Error.
func (l *MemoryLedger) Submit(ctx context.Context, op Operation) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTimeout, Op: op.Kind, Ref: op.IdempotencyRef, Err: err}
	}
	if err := op.Validate(); err != nil {
		return nil, newError(KindRejected, op, err.Error())
	}

	fingerprint, err := json.Marshal(op)
	if err != nil {
		return nil, newError(KindRejected, op, "operation is not serializable")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.receipts[op.IdempotencyRef]; ok {
		if l.fingerprints[op.IdempotencyRef] != string(fingerprint) {
			return nil, newError(KindRejected, op, "idempotency reference reused with a different operation")
		}
		receipt := *existing
		return &receipt, nil
	}

	fault, faulted := l.popFault(op.Kind)
	if faulted && !fault.Landed {
		return nil, newError(fault.Kind, op, "simulated failure")
	}

	receipt, applyErr := l.apply(op)
	if applyErr != nil {
		return nil, applyErr
	}
	l.receipts[op.IdempotencyRef] = receipt
	l.fingerprints[op.IdempotencyRef] = string(fingerprint)
	l.landed[op.Kind]++

	if faulted {
		return nil, newError(fault.Kind, op, "simulated failure after consensus")
	}

	out := *receipt
	return &out, nil
}

// Lookup returns the receipt for a landed operation.
func (l *MemoryLedger) Lookup(ctx context.Context, idempotencyRef string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTimeout, Ref: idempotencyRef, Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	receipt, ok := l.receipts[idempotencyRef]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Ref: idempotencyRef, Reason: "no operation with this reference"}
	}
	out := *receipt
	return &out, nil
}

// InjectFault queues a failure for the next operation of kind.
func (l *MemoryLedger) InjectFault(kind OperationKind, fault Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[kind] = append(l.faults[kind], fault)
}

// Fund credits an account with spendable balance.
func (l *MemoryLedger) Fund(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funds[account] = l.funds[account].Add(amount)
}

// Balance returns the spendable balance of an account.
func (l *MemoryLedger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.funds[account]
}

// Landed returns how many distinct operations of kind reached consensus.
func (l *MemoryLedger) Landed(kind OperationKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.landed[kind]
}

// TokenBalance returns the fungible balance of account for tokenID.
func (l *MemoryLedger) TokenBalance(tokenID, account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tokens[tokenID]; ok {
		return t.balances[account]
	}
	return 0
}

// SerialOwner returns the owner of a unique token serial.
func (l *MemoryLedger) SerialOwner(tokenID string, serial int64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[tokenID]
	if !ok || t.burned[serial] {
		return "", false
	}
	owner, ok := t.owners[serial]
	return owner, ok
}

// Messages returns the payloads recorded on a topic.
func (l *MemoryLedger) Messages(topicRef string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if topic, ok := l.topics[topicRef]; ok {
		return append([][]byte(nil), topic.messages...)
	}
	return nil
}

func (l *MemoryLedger) popFault(kind OperationKind) (Fault, bool) {
	queue := l.faults[kind]
	if len(queue) == 0 {
		return Fault{}, false
	}
	l.faults[kind] = queue[1:]
	return queue[0], true
}

func (l *MemoryLedger) entityID() string {
	l.nextEntity++
	return fmt.Sprintf("0.0.%d", l.nextEntity)
}

func (l *MemoryLedger) apply(op Operation) (*Receipt, error) {
	now := l.now().UTC()
	receipt := &Receipt{
		IdempotencyRef: op.IdempotencyRef,
		Kind:           op.Kind,
		Status:         ReceiptSuccess,
		TransactionRef: fmt.Sprintf("%s@%d.%09d", l.operator, now.Unix(), len(l.receipts)+1),
		ConsensusAt:    now,
	}

	switch op.Kind {
	case OpDefineFungibleToken:
		p := op.DefineFungible
		treasury := p.Treasury
		if treasury == "" {
			treasury = l.operator
		}
		id := l.entityID()
		l.tokens[id] = &memToken{
			treasury: treasury,
			balances: map[string]int64{treasury: p.InitialSupply},
		}
		receipt.TokenID = id

	case OpDefineUniqueTokenClass:
		p := op.DefineUniqueClass
		treasury := p.Treasury
		if treasury == "" {
			treasury = l.operator
		}
		id := l.entityID()
		l.tokens[id] = &memToken{
			unique:    true,
			treasury:  treasury,
			maxSupply: p.MaxSupply,
			owners:    make(map[int64]string),
			burned:    make(map[int64]bool),
			metadata:  make(map[int64][]byte),
		}
		receipt.TokenID = id

	case OpMintUnique:
		p := op.MintUnique
		t, ok := l.tokens[p.TokenID]
		if !ok {
			return nil, newError(KindNotFound, op, "token class does not exist")
		}
		if !t.unique {
			return nil, newError(KindRejected, op, "token is not a unique token class")
		}
		if t.minted >= t.maxSupply {
			return nil, newError(KindRejected, op, "max supply reached")
		}
		t.minted++
		t.owners[t.minted] = t.treasury
		t.metadata[t.minted] = append([]byte(nil), p.Metadata...)
		receipt.TokenID = p.TokenID
		receipt.Serial = t.minted

	case OpTransfer:
		p := op.Transfer
		t, ok := l.tokens[p.TokenID]
		if !ok {
			return nil, newError(KindNotFound, op, "token does not exist")
		}
		if p.Serial > 0 {
			if !t.unique {
				return nil, newError(KindRejected, op, "serial transfer on fungible token")
			}
			owner, exists := t.owners[p.Serial]
			if !exists || t.burned[p.Serial] {
				return nil, newError(KindNotFound, op, "serial does not exist")
			}
			if owner != p.From {
				return nil, newError(KindRejected, op, "sender does not own serial")
			}
			t.owners[p.Serial] = p.To
			receipt.Serial = p.Serial
		} else {
			if t.unique {
				return nil, newError(KindRejected, op, "amount transfer on unique token class")
			}
			if t.balances[p.From] < p.Amount {
				return nil, newError(KindInsufficientFunds, op, "sender balance too low")
			}
			t.balances[p.From] -= p.Amount
			t.balances[p.To] += p.Amount
		}
		receipt.TokenID = p.TokenID

	case OpBurn:
		p := op.Burn
		t, ok := l.tokens[p.TokenID]
		if !ok || !t.unique {
			return nil, newError(KindNotFound, op, "token class does not exist")
		}
		if _, exists := t.owners[p.Serial]; !exists || t.burned[p.Serial] {
			return nil, newError(KindNotFound, op, "serial does not exist")
		}
		t.burned[p.Serial] = true
		receipt.TokenID = p.TokenID
		receipt.Serial = p.Serial

	case OpRecordMessage:
		p := op.RecordMessage
		topic, ok := l.topics[p.TopicRef]
		if !ok {
			topic = &memTopic{id: l.entityID()}
			l.topics[p.TopicRef] = topic
		}
		topic.messages = append(topic.messages, append([]byte(nil), p.Payload...))
		receipt.TopicID = topic.id
		receipt.SequenceNumber = int64(len(topic.messages))

	case OpLockFunds:
		p := op.LockFunds
		if l.strictFunds {
			if l.funds[p.Payer].LessThan(p.Amount) {
				return nil, newError(KindInsufficientFunds, op, "payer balance too low")
			}
			l.funds[p.Payer] = l.funds[p.Payer].Sub(p.Amount)
		}
		ref := "escrow-" + l.entityID()
		l.holds[ref] = &memHold{amount: p.Amount, payer: p.Payer, status: holdLocked}
		receipt.EscrowRef = ref

	case OpReleaseFunds:
		p := op.ReleaseFunds
		hold, ok := l.holds[p.EscrowRef]
		if !ok {
			return nil, newError(KindNotFound, op, "escrow hold does not exist")
		}
		if hold.status != holdLocked {
			return nil, newError(KindRejected, op, "escrow hold is "+string(hold.status))
		}
		if !p.PayeeAmount.Add(p.PlatformFee).Equal(hold.amount) {
			return nil, newError(KindRejected, op, "release amounts do not match the hold")
		}
		hold.status = holdReleased
		l.funds[p.Payee] = l.funds[p.Payee].Add(p.PayeeAmount)
		l.funds[l.platformAccount] = l.funds[l.platformAccount].Add(p.PlatformFee)
		receipt.EscrowRef = p.EscrowRef

	case OpRefundFunds:
		p := op.RefundFunds
		hold, ok := l.holds[p.EscrowRef]
		if !ok {
			return nil, newError(KindNotFound, op, "escrow hold does not exist")
		}
		if hold.status != holdLocked {
			return nil, newError(KindRejected, op, "escrow hold is "+string(hold.status))
		}
		if hold.payer != p.Payer {
			return nil, newError(KindRejected, op, "refund payer does not match the hold")
		}
		hold.status = holdRefunded
		l.funds[p.Payer] = l.funds[p.Payer].Add(hold.amount)
		receipt.EscrowRef = p.EscrowRef
	}

	return receipt, nil
}
