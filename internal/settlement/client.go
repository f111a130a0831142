// Package settlement executes approved transfers against the external
// on-chain settlement client, exactly once per tx_id.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubmitRequest describes one settlement to execute. HoldAmount is the
// slice of Amount debited from the agent's available balance; it is
// persisted on the record so asynchronous resolution can finalize or
// refund the hold.
type SubmitRequest struct {
	TxID            string
	AgentID         string
	CounterpartyRef string
	PoolID          string
	Amount          decimal.Decimal
	HoldAmount      decimal.Decimal
	Currency        string
}

// ReceiptStatus is the external rail's view of a submission.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Receipt is the external confirmation state for a submitted settlement.
type Receipt struct {
	Status        ReceiptStatus
	Confirmations int
}

// Client is the on-chain settlement contract. Implementations classify
// submission failures with Transient or Terminal so the executor can pick
// the retry branch.
type Client interface {
	// Submit sends the settlement to the external rail and returns its
	// external reference.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// GetReceipt reports the confirmation state for an external reference.
	GetReceipt(ctx context.Context, externalRef string) (Receipt, error)

	// ProbeRail reports whether the rail is reachable; the feasibility
	// evaluator calls it before consensus.
	ProbeRail(ctx context.Context) error
}

// FaultCode attributes a terminal rail failure to its cause.
type FaultCode string

const (
	FaultNone              FaultCode = ""
	FaultInsufficientFunds FaultCode = "insufficient_funds"
)

// ClassifiedError wraps a client failure with its retry class and, for
// terminal failures, the attributed fault.
type ClassifiedError struct {
	Retryable bool
	Fault     FaultCode
	Err       error
}

func (e *ClassifiedError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("terminal: %v", e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks a failure as retryable (network error, nonce conflict).
func Transient(err error) error {
	return &ClassifiedError{Retryable: true, Err: err}
}

// Terminal marks a failure as fatal (invalid recipient, contract revert).
func Terminal(err error) error {
	return &ClassifiedError{Retryable: false, Err: err}
}

// TerminalFault marks a fatal failure attributed to a specific cause, so
// downstream reputation handling can tell an agent-side shortfall from
// rail trouble.
func TerminalFault(code FaultCode, err error) error {
	return &ClassifiedError{Retryable: false, Fault: code, Err: err}
}

// FaultOf extracts the attributed fault from err, or FaultNone.
func FaultOf(err error) FaultCode {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Fault
	}
	return FaultNone
}

// IsTransient reports whether err may succeed on retry. Unclassified
// errors are treated as transient: ambiguity must never cause a premature
// terminal failure, the retry budget bounds the damage.
func IsTransient(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return true
}

// SimClient is an in-process settlement rail used in development and tests,
// mirroring the noop-provider pattern used for other optional backends.
// Confirmation is instant unless a delay is configured.
type SimClient struct {
	mu           sync.Mutex
	receipts     map[string]Receipt
	confirmAfter time.Duration
	submitted    map[string]time.Time

	// SubmitErr and ReceiptErr inject failures; both apply once per call.
	SubmitErr  error
	ReceiptErr error
}

// NewSimClient creates a simulated rail. confirmAfter delays confirmation
// relative to submission; zero confirms immediately.
func NewSimClient(confirmAfter time.Duration) *SimClient {
	return &SimClient{
		receipts:     make(map[string]Receipt),
		submitted:    make(map[string]time.Time),
		confirmAfter: confirmAfter,
	}
}

func (c *SimClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubmitErr != nil {
		err := c.SubmitErr
		return "", err
	}
	ref := "sim-" + uuid.NewString()
	c.submitted[ref] = time.Now()
	c.receipts[ref] = Receipt{Status: ReceiptPending}
	return ref, nil
}

func (c *SimClient) GetReceipt(ctx context.Context, externalRef string) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReceiptErr != nil {
		return Receipt{}, c.ReceiptErr
	}
	at, ok := c.submitted[externalRef]
	if !ok {
		return Receipt{}, Terminal(fmt.Errorf("settlement: unknown external ref %q", externalRef))
	}
	if time.Since(at) >= c.confirmAfter {
		return Receipt{Status: ReceiptConfirmed, Confirmations: 12}, nil
	}
	return Receipt{Status: ReceiptPending}, nil
}

func (c *SimClient) ProbeRail(ctx context.Context) error { return nil }
