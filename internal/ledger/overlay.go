package ledger

import (
	"fmt"

	"github.com/Klingon-tech/orignode/internal/engine"
)

// overlay accumulates balance and nonce changes on top of the store while a
// block is validated or assembled.
type overlay struct {
	store    *Store
	balances map[string]engine.Amount
	nonces   map[string]uint64
}

func newOverlay(s *Store) *overlay {
	return &overlay{
		store:    s,
		balances: make(map[string]engine.Amount),
		nonces:   make(map[string]uint64),
	}
}

func (o *overlay) balance(addr string) (engine.Amount, error) {
	if v, ok := o.balances[addr]; ok {
		return v, nil
	}
	return o.store.Balance(addr)
}

func (o *overlay) nonce(addr string) (uint64, error) {
	if v, ok := o.nonces[addr]; ok {
		return v, nil
	}
	return o.store.Nonce(addr)
}

func (o *overlay) credit(addr string, amt engine.Amount) error {
	bal, err := o.balance(addr)
	if err != nil {
		return err
	}
	if bal+amt < bal {
		return fmt.Errorf("%w: balance of %s overflows", engine.ErrInvalidTransaction, addr)
	}
	o.balances[addr] = bal + amt
	return nil
}

// apply validates tx against the accumulated state and records its effect.
// On error the overlay is unchanged.
func (o *overlay) apply(tx *engine.Transaction) error {
	if err := checkTransfer(tx); err != nil {
		return err
	}
	n, err := o.nonce(tx.Sender)
	if err != nil {
		return err
	}
	if tx.Nonce != n+1 {
		return fmt.Errorf("%w: nonce %d, want %d", engine.ErrInvalidTransaction, tx.Nonce, n+1)
	}
	bal, err := o.balance(tx.Sender)
	if err != nil {
		return err
	}
	cost := tx.Amount + tx.Fee
	if bal < cost {
		return fmt.Errorf("%w: %s has %s, needs %s", engine.ErrInsufficientFunds, tx.Sender, bal, cost)
	}
	rbal, err := o.balance(tx.Recipient)
	if err != nil {
		return err
	}
	if tx.Recipient != tx.Sender && rbal+tx.Amount < rbal {
		return fmt.Errorf("%w: balance of %s overflows", engine.ErrInvalidTransaction, tx.Recipient)
	}

	o.balances[tx.Sender] = bal - cost
	o.nonces[tx.Sender] = tx.Nonce
	return o.credit(tx.Recipient, tx.Amount)
}
