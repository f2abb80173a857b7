package engine

import "context"

// Degraded stands in for an engine that could not be constructed. Every
// operation returns *UnavailableError; Status reports an inactive engine
// instead of failing so status pages keep rendering.
type Degraded struct {
	Reason string
	Cause  error
}

// NewDegraded returns a degraded engine explaining why the real one is
// missing.
func NewDegraded(reason string, cause error) *Degraded {
	return &Degraded{Reason: reason, Cause: cause}
}

var _ Engine = (*Degraded)(nil)

func (d *Degraded) err() error {
	return &UnavailableError{Reason: d.Reason, Err: d.Cause}
}

func (d *Degraded) Initialize(context.Context) error { return nil }
func (d *Degraded) Shutdown(context.Context) error   { return nil }
func (d *Degraded) SaveState(context.Context) error  { return d.err() }

func (d *Degraded) CreateWallet(context.Context, string, string) (string, error) {
	return "", d.err()
}

func (d *Degraded) GetBalance(context.Context, string) (Amount, error) { return 0, d.err() }

func (d *Degraded) GetWallet(context.Context, string, string) (*WalletKeys, error) {
	return nil, d.err()
}

func (d *Degraded) AddressForUser(context.Context, string) (string, error) { return "", d.err() }

func (d *Degraded) CreateTransaction(context.Context, TxRequest) (*Transaction, error) {
	return nil, d.err()
}

func (d *Degraded) AddTransactionToMempool(context.Context, *Transaction) (bool, error) {
	return false, d.err()
}

func (d *Degraded) GetTransactionsForAddress(context.Context, string, int) ([]*Transaction, error) {
	return nil, d.err()
}

// Status reports the engine as inactive.
func (d *Degraded) Status(context.Context) (*Status, error) {
	msg := d.Reason
	if d.Cause != nil {
		msg += ": " + d.Cause.Error()
	}
	return &Status{Active: false, Message: msg}, nil
}

func (d *Degraded) CreateGenesis(context.Context) (bool, error) { return false, d.err() }
func (d *Degraded) StartMining(context.Context, string) error   { return d.err() }
func (d *Degraded) StopMining(context.Context) error            { return d.err() }
func (d *Degraded) ApplyBlock(context.Context, *Block) error    { return d.err() }

// Subscribe accepts the callback and never calls it.
func (d *Degraded) Subscribe(EventType, func(Event)) func() { return func() {} }
