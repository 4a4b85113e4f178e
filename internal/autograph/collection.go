package autograph

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"hashink/internal/events"
	"hashink/internal/shared"
)

// Token is a minted autograph. The content hash fingerprints the signed
// artifact; the metadata URI points at off-system metadata.
type Token struct {
	Owner       common.Address
	ContentHash common.Hash
	MetadataURI string
}

// Collection issues and tracks autograph tokens. Minting is reserved for the
// single minter identity bound at construction; ownership transfers follow
// the usual owner/delegate/operator rules.
type Collection struct {
	mu        sync.Mutex
	minter    common.Address
	tokens    map[uint64]Token
	delegates map[uint64]common.Address
	operators map[common.Address]map[common.Address]bool
	balances  map[common.Address]int
	minted    uint64
	sink      events.Sink
}

func NewCollection(minter common.Address, sink events.Sink) *Collection {
	if sink == nil {
		sink = events.Nop()
	}
	return &Collection{
		minter:    minter,
		tokens:    make(map[uint64]Token),
		delegates: make(map[uint64]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
		balances:  make(map[common.Address]int),
		sink:      sink,
	}
}

// Mint issues the next token id (ids start at 1) to the given owner.
func (c *Collection) Mint(caller, to common.Address, contentHash common.Hash, metadataURI string) (uint64, error) {
	if caller != c.minter {
		return 0, fmt.Errorf("%w: only the bound minter may mint", shared.ErrUnauthorized)
	}
	if to == (common.Address{}) {
		return 0, fmt.Errorf("%w: mint to zero address", shared.ErrValue)
	}

	c.mu.Lock()
	c.minted++
	id := c.minted
	c.tokens[id] = Token{Owner: to, ContentHash: contentHash, MetadataURI: metadataURI}
	c.balances[to]++
	c.mu.Unlock()

	c.sink.Emit(events.Event{Kind: events.AutographMinted, Fields: map[string]string{
		"tokenId":     fmt.Sprintf("%d", id),
		"owner":       to.Hex(),
		"contentHash": contentHash.Hex(),
	}})
	return id, nil
}

// Approve records a one-time transfer delegate for the token.
func (c *Collection) Approve(caller, delegate common.Address, id uint64) error {
	c.mu.Lock()
	tok, ok := c.tokens[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: unknown token %d", shared.ErrNotFound, id)
	}
	if caller != tok.Owner && !c.operators[tok.Owner][caller] {
		c.mu.Unlock()
		return fmt.Errorf("%w: not the owner of token %d", shared.ErrUnauthorized, id)
	}
	c.delegates[id] = delegate
	c.mu.Unlock()

	c.sink.Emit(events.Event{Kind: events.AutographApproved, Fields: map[string]string{
		"tokenId":  fmt.Sprintf("%d", id),
		"delegate": delegate.Hex(),
	}})
	return nil
}

// SetApprovalForAll lets the caller grant or revoke an operator over every
// token the caller owns now or later.
func (c *Collection) SetApprovalForAll(caller, operator common.Address, approved bool) error {
	if operator == caller {
		return fmt.Errorf("%w: cannot set self as operator", shared.ErrValue)
	}

	c.mu.Lock()
	ops, ok := c.operators[caller]
	if !ok {
		ops = make(map[common.Address]bool)
		c.operators[caller] = ops
	}
	ops[operator] = approved
	c.mu.Unlock()

	c.sink.Emit(events.Event{Kind: events.AutographOperatorSet, Fields: map[string]string{
		"owner":    caller.Hex(),
		"operator": operator.Hex(),
		"approved": fmt.Sprintf("%t", approved),
	}})
	return nil
}

// TransferFrom reassigns ownership. The caller must be the current owner, the
// token's delegate, or an operator for the owner. Any delegate is cleared.
func (c *Collection) TransferFrom(caller, from, to common.Address, id uint64) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to zero address", shared.ErrValue)
	}

	c.mu.Lock()
	tok, ok := c.tokens[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: unknown token %d", shared.ErrNotFound, id)
	}
	if tok.Owner != from {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s does not own token %d", shared.ErrNotFound, from.Hex(), id)
	}
	if caller != from && caller != c.delegates[id] && !c.operators[from][caller] {
		c.mu.Unlock()
		return fmt.Errorf("%w: caller may not transfer token %d", shared.ErrUnauthorized, id)
	}
	delete(c.delegates, id)
	tok.Owner = to
	c.tokens[id] = tok
	c.balances[from]--
	c.balances[to]++
	c.mu.Unlock()

	c.sink.Emit(events.Event{Kind: events.AutographTransferred, Fields: map[string]string{
		"tokenId": fmt.Sprintf("%d", id),
		"from":    from.Hex(),
		"to":      to.Hex(),
	}})
	return nil
}

func (c *Collection) OwnerOf(id uint64) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: unknown token %d", shared.ErrNotFound, id)
	}
	return tok.Owner, nil
}

func (c *Collection) TokenURI(id uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[id]
	if !ok {
		return "", fmt.Errorf("%w: unknown token %d", shared.ErrNotFound, id)
	}
	return tok.MetadataURI, nil
}

func (c *Collection) BalanceOf(owner common.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[owner]
}

// TotalSupply is the number of tokens minted so far; tokens are never burned.
func (c *Collection) TotalSupply() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minted
}
