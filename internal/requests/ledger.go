package requests

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hashink/internal/celebrity"
	"hashink/internal/events"
	"hashink/internal/shared"
	"hashink/internal/vault"
)

// Status is the lifecycle state of a request. Signed and Deleted are terminal.
type Status uint8

const (
	StatusPending Status = iota
	StatusSigned
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSigned:
		return "signed"
	case StatusDeleted:
		return "deleted"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Request is one commissioned autograph. ResponseTime is the cancellation
// lock window captured from the recipient's profile at creation time, so a
// later profile edit never changes the cancel terms of an open request.
type Request struct {
	ID           uint64
	Requester    common.Address
	Recipient    common.Address
	Amount       *big.Int
	CreatedAt    time.Time
	ResponseTime time.Duration
	Status       Status
}

// ProfileSource supplies the recipient's current price and lock window.
type ProfileSource interface {
	Get(owner common.Address) (celebrity.Profile, error)
}

// TokenIssuer mints the fulfillment token when a request is signed.
type TokenIssuer interface {
	Mint(caller, to common.Address, contentHash common.Hash, metadataURI string) (uint64, error)
}

// Options configures a Ledger.
type Options struct {
	// Treasury receives the platform fee on every signed request.
	Treasury common.Address
	// Operator is the identity the ledger presents to the token issuer.
	Operator common.Address
	// FeePercent is the platform cut in whole percent, fixed for the
	// lifetime of the ledger.
	FeePercent int64
	Sink       events.Sink
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Ledger holds escrowed payments and drives each request through
// Pending -> Signed or Pending -> Deleted. Its collaborators are bound once
// at construction and never change.
type Ledger struct {
	mu       sync.Mutex
	profiles ProfileSource
	tokens   TokenIssuer
	payout   vault.Transferer

	treasury   common.Address
	operator   common.Address
	feePercent int64

	requests []*Request
	pending  int
	balance  *big.Int

	sink events.Sink
	now  func() time.Time
}

func NewLedger(profiles ProfileSource, tokens TokenIssuer, payout vault.Transferer, opts Options) (*Ledger, error) {
	if profiles == nil || tokens == nil || payout == nil {
		return nil, fmt.Errorf("ledger requires a profile source, token issuer and payout target")
	}
	if opts.FeePercent < 0 || opts.FeePercent > 100 {
		return nil, fmt.Errorf("fee percent must be between 0 and 100, got %d", opts.FeePercent)
	}
	if opts.Treasury == (common.Address{}) {
		return nil, fmt.Errorf("treasury address is required")
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		profiles:   profiles,
		tokens:     tokens,
		payout:     payout,
		treasury:   opts.Treasury,
		operator:   opts.Operator,
		feePercent: opts.FeePercent,
		balance:    new(big.Int),
		sink:       sink,
		now:        now,
	}, nil
}

// Create opens a request against the recipient's profile. The payment must
// exactly match the profile's current price; it is escrowed in the same
// critical section that writes the request record, so the held balance and
// the pending set can never disagree.
func (l *Ledger) Create(requester, recipient common.Address, paid *big.Int) (uint64, error) {
	if requester == (common.Address{}) {
		return 0, fmt.Errorf("%w: requester must not be the zero address", shared.ErrValue)
	}
	profile, err := l.profiles.Get(recipient)
	if err != nil {
		return 0, err
	}
	if paid == nil || paid.Sign() < 0 {
		return 0, fmt.Errorf("%w: payment must be non-negative", shared.ErrValue)
	}
	if paid.Cmp(profile.Price) != 0 {
		return 0, fmt.Errorf("%w: payment %s does not match the quoted price %s", shared.ErrValue, paid, profile.Price)
	}

	l.mu.Lock()
	id := uint64(len(l.requests))
	req := &Request{
		ID:           id,
		Requester:    requester,
		Recipient:    recipient,
		Amount:       new(big.Int).Set(paid),
		CreatedAt:    l.now(),
		ResponseTime: profile.ResponseTime,
		Status:       StatusPending,
	}
	l.requests = append(l.requests, req)
	l.pending++
	l.balance.Add(l.balance, req.Amount)
	l.mu.Unlock()

	l.sink.Emit(events.Event{Kind: events.RequestCreated, Fields: map[string]string{
		"id":        fmt.Sprintf("%d", id),
		"requester": requester.Hex(),
		"recipient": recipient.Hex(),
		"amount":    paid.String(),
	}})
	return id, nil
}

// Delete cancels a pending request once its lock window has elapsed and
// refunds the full payment to the requester. The refund is performed only
// after the request is marked deleted and the held balance reduced, so a
// re-entrant call during the transfer sees a finalized request and fails.
func (l *Ledger) Delete(caller common.Address, id uint64) error {
	l.mu.Lock()
	req, err := l.lookup(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if caller != req.Requester {
		l.mu.Unlock()
		return fmt.Errorf("%w: not the requester of this request", shared.ErrUnauthorized)
	}
	if req.Status != StatusPending {
		l.mu.Unlock()
		return fmt.Errorf("%w: request is already %s", shared.ErrState, req.Status)
	}
	if l.now().Before(req.CreatedAt.Add(req.ResponseTime)) {
		l.mu.Unlock()
		return fmt.Errorf("%w: lock window not elapsed", shared.ErrState)
	}

	req.Status = StatusDeleted
	l.pending--
	l.balance.Sub(l.balance, req.Amount)
	refund := new(big.Int).Set(req.Amount)
	l.mu.Unlock()

	if err := l.payout.Transfer(req.Requester, refund); err != nil {
		l.revert(req)
		return fmt.Errorf("refund transfer: %w", err)
	}

	l.sink.Emit(events.Event{Kind: events.RequestDeleted, Fields: map[string]string{
		"id":     fmt.Sprintf("%d", id),
		"refund": refund.String(),
	}})
	return nil
}

// Sign fulfills a pending request: the platform fee goes to the treasury, the
// remainder to the recipient, and a token is minted to the requester. State
// is finalized first and the mint happens before any funds move, so a mint
// failure rolls the whole operation back with nothing spent. The transfers
// after the mint cannot fail with the in-tree vault: the treasury is
// validated at construction, the requester at Create, and the recipient held
// a profile (never zero-addressed) when the request was opened.
func (l *Ledger) Sign(caller common.Address, id uint64, contentHash common.Hash, metadataURI string) (uint64, error) {
	l.mu.Lock()
	req, err := l.lookup(id)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	if caller != req.Recipient {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: not the recipient of this request", shared.ErrUnauthorized)
	}
	if req.Status != StatusPending {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: request is already %s", shared.ErrState, req.Status)
	}

	fee := new(big.Int).Mul(req.Amount, big.NewInt(l.feePercent))
	fee.Div(fee, big.NewInt(100))
	payout := new(big.Int).Sub(req.Amount, fee)

	req.Status = StatusSigned
	l.pending--
	l.balance.Sub(l.balance, req.Amount)
	l.mu.Unlock()

	tokenID, err := l.tokens.Mint(l.operator, req.Requester, contentHash, metadataURI)
	if err != nil {
		l.revert(req)
		return 0, fmt.Errorf("mint autograph: %w", err)
	}

	// The minted token cannot be taken back, so from here the request must
	// stay signed: reopening it would let a retry mint a second token and
	// collect the fee twice out of the same escrowed payment.
	if fee.Sign() > 0 {
		if err := l.payout.Transfer(l.treasury, fee); err != nil {
			return 0, fmt.Errorf("fee transfer: %w", err)
		}
	}
	if err := l.payout.Transfer(req.Recipient, payout); err != nil {
		return 0, fmt.Errorf("payout transfer: %w", err)
	}

	l.sink.Emit(events.Event{Kind: events.RequestSigned, Fields: map[string]string{
		"id":      fmt.Sprintf("%d", id),
		"tokenId": fmt.Sprintf("%d", tokenID),
		"fee":     fee.String(),
		"payout":  payout.String(),
	}})
	return tokenID, nil
}

// revert restores a request to pending after a failed outbound call, undoing
// the accounting finalized before the call was made.
func (l *Ledger) revert(req *Request) {
	l.mu.Lock()
	req.Status = StatusPending
	l.pending++
	l.balance.Add(l.balance, req.Amount)
	l.mu.Unlock()
}

func (l *Ledger) lookup(id uint64) (*Request, error) {
	if id >= uint64(len(l.requests)) {
		return nil, fmt.Errorf("%w: unknown request %d", shared.ErrNotFound, id)
	}
	return l.requests[id], nil
}

// Balance is the total value currently held in escrow.
func (l *Ledger) Balance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance)
}

// Get returns a snapshot of the request.
func (l *Ledger) Get(id uint64) (Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, err := l.lookup(id)
	if err != nil {
		return Request{}, err
	}
	out := *req
	out.Amount = new(big.Int).Set(req.Amount)
	return out, nil
}

// TotalSupply is the all-time number of requests ever created.
func (l *Ledger) TotalSupply() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.requests))
}

// Pending is the number of requests still awaiting a signature or deletion.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *Ledger) FeePercent() int64 {
	return l.feePercent
}
