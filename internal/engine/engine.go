// Package engine defines the boundary between the node core and the
// blockchain engine: the Engine interface, the values crossing it, and the
// degraded stand-in served when no engine can be built.
package engine

import "context"

// Engine is the blockchain core. Every method is called from inside the
// engine's owning event loop; implementations may suspend at I/O and during
// key derivation but must not be shared across loops.
type Engine interface {
	// Initialize loads persisted state. It must be called once before any
	// other method.
	Initialize(ctx context.Context) error
	// Shutdown stops background work and flushes state.
	Shutdown(ctx context.Context) error
	// SaveState flushes chain state and wallet material to disk.
	SaveState(ctx context.Context) error

	CreateWallet(ctx context.Context, userID, passphrase string) (string, error)
	GetBalance(ctx context.Context, address string) (Amount, error)
	GetWallet(ctx context.Context, address, passphrase string) (*WalletKeys, error)
	AddressForUser(ctx context.Context, userID string) (string, error)

	CreateTransaction(ctx context.Context, req TxRequest) (*Transaction, error)
	AddTransactionToMempool(ctx context.Context, tx *Transaction) (bool, error)
	GetTransactionsForAddress(ctx context.Context, address string, limit int) ([]*Transaction, error)

	Status(ctx context.Context) (*Status, error)
	CreateGenesis(ctx context.Context) (bool, error)
	StartMining(ctx context.Context, address string) error
	StopMining(ctx context.Context) error
	// ApplyBlock validates and appends a block received from a peer.
	ApplyBlock(ctx context.Context, b *Block) error

	// Subscribe registers cb for events of type t. Callbacks run inside the
	// engine's loop and must not block.
	Subscribe(t EventType, cb func(Event)) (unsubscribe func())
}
