package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Amount is a quantity in base units.
type Amount uint64

// Coin is one whole coin in base units.
const Coin Amount = 100_000_000

// String formats the amount as a decimal coin value.
func (a Amount) String() string {
	return fmt.Sprintf("%d.%08d", uint64(a/Coin), uint64(a%Coin))
}

// Float returns the amount in coins.
func (a Amount) Float() float64 {
	return float64(a) / float64(Coin)
}

// ParseAmount parses a decimal coin value such as "1.5".
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 8 {
		return 0, fmt.Errorf("amount %q has more than 8 decimals", s)
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac+strings.Repeat("0", 8-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount %q: %w", s, err)
		}
	}
	if w > uint64(^Amount(0)/Coin) {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return Amount(w)*Coin + Amount(f), nil
}

// TxType distinguishes user transfers from block rewards.
type TxType string

const (
	TxTransfer TxType = "transfer"
	TxCoinbase TxType = "coinbase"
)

// Transaction moves Amount from Sender to Recipient. Coinbase transactions
// have no sender and no signature.
type Transaction struct {
	ID          string `json:"id"`
	Type        TxType `json:"type"`
	Sender      string `json:"sender,omitempty"`
	Recipient   string `json:"recipient"`
	Amount      Amount `json:"amount"`
	Fee         Amount `json:"fee"`
	Memo        string `json:"memo,omitempty"`
	Nonce       uint64 `json:"nonce"`
	Timestamp   int64  `json:"timestamp"`
	PubKey      string `json:"pub_key,omitempty"`
	Signature   string `json:"signature,omitempty"`
	BlockHeight uint64 `json:"block_height,omitempty"`
}

// TxRequest asks the engine to build and sign a transfer.
type TxRequest struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Amount     Amount `json:"amount"`
	Memo       string `json:"memo,omitempty"`
	Passphrase string `json:"-"`
}

// Block is a proof-of-work block.
type Block struct {
	Height       uint64         `json:"height"`
	PrevHash     string         `json:"prev_hash"`
	Timestamp    int64          `json:"timestamp"`
	Difficulty   uint8          `json:"difficulty"`
	Nonce        uint64         `json:"nonce"`
	Miner        string         `json:"miner,omitempty"`
	Transactions []*Transaction `json:"transactions"`
	Hash         string         `json:"hash"`
}

// WalletKeys is the decrypted key material of a wallet, hex encoded.
type WalletKeys struct {
	Address    string `json:"address"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Status summarises engine state. Active is false for the degraded engine.
type Status struct {
	Active       bool   `json:"active" yaml:"active"`
	Message      string `json:"message,omitempty" yaml:"message,omitempty"`
	NodeID       string `json:"node_id" yaml:"node_id"`
	Height       uint64 `json:"height" yaml:"height"`
	TipHash      string `json:"tip_hash" yaml:"tip_hash"`
	MempoolSize  int    `json:"mempool_size" yaml:"mempool_size"`
	Wallets      int    `json:"wallets" yaml:"wallets"`
	Difficulty   uint8  `json:"difficulty" yaml:"difficulty"`
	Reward       Amount `json:"current_reward" yaml:"current_reward"`
	Mining       bool   `json:"mining" yaml:"mining"`
	MinerAddress string `json:"miner_address,omitempty" yaml:"miner_address,omitempty"`
	NodeAddress  string `json:"node_address,omitempty" yaml:"node_address,omitempty"`
}
