// Package memory is an in-process ledger. It applies the same acceptance
// rules as the issuance contract and confirms transactions after a fixed
// number of polls.
package memory

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/insurecard/internal/ledger/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

const (
	defaultPollInterval = 10 * time.Millisecond
	maxDependentCount   = 1<<16 - 1
)

type Options struct {
	// ConfirmAfterPolls is how many AwaitConfirmation polls a transaction
	// stays pending. Zero confirms on the first poll.
	ConfirmAfterPolls int
	PollInterval      time.Duration
	// Unauthorized makes every submission fail as an unauthorized signer.
	Unauthorized bool
}

type transaction struct {
	ref     domain.TxRef
	payload domain.Payload
	polls   int
	revert  bool
	hold    bool
	status  domain.ConfirmationStatus
}

// Ledger implements domain.Client. It is safe for concurrent use.
type Ledger struct {
	log  *zap.Logger
	opts Options

	mu          sync.Mutex
	nonce       uint64
	txs         map[domain.TxRef]*transaction
	byHash      map[string]domain.TxRef
	reverts     map[string]bool
	holds       map[string]bool
	submitErrs  []error
	submitCalls int
}

func New(log *zap.Logger, opts Options) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ConfirmAfterPolls < 0 {
		opts.ConfirmAfterPolls = 0
	}
	return &Ledger{
		log:     log.Named("ledger.memory"),
		opts:    opts,
		txs:     make(map[domain.TxRef]*transaction),
		byHash:  make(map[string]domain.TxRef),
		reverts: make(map[string]bool),
		holds:   make(map[string]bool),
	}
}

func (l *Ledger) Submit(ctx context.Context, payload domain.Payload) (domain.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.submitCalls++
	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		return "", err
	}
	if l.opts.Unauthorized {
		return "", domain.NewSubmissionError(domain.RejectReasonUnauthorized, domain.ErrSignerNotConfigured)
	}
	if err := validate(payload); err != nil {
		return "", domain.NewSubmissionError(domain.RejectReasonMalformedPayload, err)
	}

	l.nonce++
	ref := txHash(payload.RequestHash, l.nonce)
	tx := &transaction{
		ref:     ref,
		payload: payload,
		revert:  l.reverts[payload.RequestID],
		hold:    l.holds[payload.RequestID],
		status:  domain.ConfirmationPending,
	}
	l.txs[ref] = tx
	if _, exists := l.byHash[payload.RequestHash]; !exists {
		l.byHash[payload.RequestHash] = ref
	}

	l.log.Debug("transaction accepted",
		zap.String("tx_ref", ref.String()),
		zap.String("request_id", payload.RequestID),
		zap.Uint64("nonce", l.nonce),
	)
	return ref, nil
}

func (l *Ledger) AwaitConfirmation(ctx context.Context, ref domain.TxRef) (domain.ConfirmationStatus, error) {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := l.poll(ref)
		if err != nil || status != domain.ConfirmationPending {
			return status, err
		}
		select {
		case <-ctx.Done():
			return domain.ConfirmationPending, nil
		case <-ticker.C:
		}
	}
}

func (l *Ledger) poll(ref domain.TxRef) (domain.ConfirmationStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[ref]
	if !ok {
		return domain.ConfirmationPending, domain.ErrUnknownTransaction
	}
	if tx.status != domain.ConfirmationPending || tx.hold {
		return tx.status, nil
	}
	if tx.polls < l.opts.ConfirmAfterPolls {
		tx.polls++
		return domain.ConfirmationPending, nil
	}
	if tx.revert {
		tx.status = domain.ConfirmationReverted
	} else {
		tx.status = domain.ConfirmationConfirmed
	}
	return tx.status, nil
}

func (l *Ledger) FindByRequestHash(ctx context.Context, requestHash string) (domain.TxRef, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, ok := l.byHash[requestHash]
	return ref, ok, nil
}

// RevertRequest makes the next transaction for requestID revert on-chain.
func (l *Ledger) RevertRequest(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverts[requestID] = true
}

// HoldRequest keeps transactions for requestID pending until ReleaseRequest.
func (l *Ledger) HoldRequest(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holds[requestID] = true
	for _, tx := range l.txs {
		if tx.payload.RequestID == requestID {
			tx.hold = true
		}
	}
}

func (l *Ledger) ReleaseRequest(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, requestID)
	for _, tx := range l.txs {
		if tx.payload.RequestID == requestID {
			tx.hold = false
		}
	}
}

// FailNextSubmit queues err as the result of the next Submit call.
func (l *Ledger) FailNextSubmit(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErrs = append(l.submitErrs, err)
}

// SubmitCalls counts Submit invocations, including rejected ones.
func (l *Ledger) SubmitCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitCalls
}

// Transactions returns the number of accepted transactions for requestID.
func (l *Ledger) Transactions(requestID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, tx := range l.txs {
		if tx.payload.RequestID == requestID {
			n++
		}
	}
	return n
}

func validate(p domain.Payload) error {
	required := map[string]string{
		"request_id":        p.RequestID,
		"request_hash":      p.RequestHash,
		"insured_person_id": p.InsuredPersonID,
		"card_number":       p.CardNumber,
		"policy_number":     p.PolicyNumber,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", field)
		}
	}
	if p.DateOfBirth.IsZero() || p.PolicyEffectiveDate.IsZero() || p.ValidUntil.IsZero() {
		return fmt.Errorf("dates are required")
	}
	if !p.ValidUntil.After(p.PolicyEffectiveDate) {
		return fmt.Errorf("valid_until must be after policy_effective_date")
	}
	if p.DateOfBirth.After(p.PolicyEffectiveDate) {
		return fmt.Errorf("date_of_birth must not be after policy_effective_date")
	}
	if p.DependentCount < 0 || p.DependentCount > maxDependentCount {
		return fmt.Errorf("dependent_count out of range")
	}
	if p.HasDependents != (p.DependentCount > 0) {
		return fmt.Errorf("has_dependents does not match dependent_count")
	}
	return nil
}

func txHash(requestHash string, nonce uint64) domain.TxRef {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(requestHash))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	_, _ = h.Write(buf[:])
	return domain.TxRef("0x" + hex.EncodeToString(h.Sum(nil)))
}
