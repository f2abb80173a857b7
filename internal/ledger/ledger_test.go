package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/loop"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/Klingon-tech/orignode/internal/wallet"
)

const testDifficulty = 4

func newTestLedger(t *testing.T, store *Store, nodeID, passphrase string) *Ledger {
	t.Helper()
	if store == nil {
		store = NewStore(storage.NewMemory())
	}
	l := New(Config{
		Store:      store,
		NodeID:     nodeID,
		Passphrase: passphrase,
		Difficulty: testDifficulty,
		KDF:        wallet.LightKDF(),
	})
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	return l
}

func mustWallet(t *testing.T, l *Ledger, user, pass string) string {
	t.Helper()
	addr, err := l.CreateWallet(context.Background(), user, pass)
	if err != nil {
		t.Fatalf("CreateWallet(%s) error: %v", user, err)
	}
	return addr
}

func mustMine(t *testing.T, l *Ledger, miner string) *engine.Block {
	t.Helper()
	b, err := l.MineBlock(context.Background(), miner)
	if err != nil {
		t.Fatalf("MineBlock() error: %v", err)
	}
	return b
}

func TestReward(t *testing.T) {
	tests := []struct {
		height uint64
		want   engine.Amount
	}{
		{0, 50 * engine.Coin},
		{HalvingInterval - 1, 50 * engine.Coin},
		{HalvingInterval, 25 * engine.Coin},
		{2 * HalvingInterval, 25 * engine.Coin / 2},
		{64 * HalvingInterval, 0},
	}
	for _, tt := range tests {
		if got := Reward(tt.height); got != tt.want {
			t.Errorf("Reward(%d) = %s, want %s", tt.height, got, tt.want)
		}
	}
}

func TestWallets(t *testing.T) {
	l := newTestLedger(t, nil, "", "")
	ctx := context.Background()

	addr := mustWallet(t, l, "alice", "pw")
	if _, err := l.CreateWallet(ctx, "alice", "pw"); !errors.Is(err, engine.ErrWalletExists) {
		t.Errorf("second CreateWallet() = %v, want ErrWalletExists", err)
	}
	if _, err := l.CreateWallet(ctx, "bob", ""); !errors.Is(err, engine.ErrInvalidPassphrase) {
		t.Errorf("CreateWallet() empty passphrase = %v, want ErrInvalidPassphrase", err)
	}

	got, err := l.AddressForUser(ctx, "alice")
	if err != nil || got != addr {
		t.Errorf("AddressForUser() = %q, %v; want %q", got, err, addr)
	}
	if _, err := l.AddressForUser(ctx, "nobody"); !errors.Is(err, engine.ErrWalletNotFound) {
		t.Errorf("AddressForUser(nobody) = %v, want ErrWalletNotFound", err)
	}

	keys, err := l.GetWallet(ctx, addr, "pw")
	if err != nil {
		t.Fatalf("GetWallet() error: %v", err)
	}
	if keys.Address != addr || len(keys.PrivateKey) != 64 {
		t.Errorf("GetWallet() = %+v", keys)
	}
	if _, err := l.GetWallet(ctx, addr, "wrong"); !errors.Is(err, engine.ErrInvalidPassphrase) {
		t.Errorf("GetWallet() wrong passphrase = %v, want ErrInvalidPassphrase", err)
	}

	if _, err := l.GetBalance(ctx, "not-an-address"); !errors.Is(err, engine.ErrInvalidAddress) {
		t.Errorf("GetBalance() bad address = %v, want ErrInvalidAddress", err)
	}
	if bal, err := l.GetBalance(ctx, addr); err != nil || bal != 0 {
		t.Errorf("GetBalance() = %s, %v; want 0", bal, err)
	}
}

func TestNotInitialized(t *testing.T) {
	l := New(Config{Store: NewStore(storage.NewMemory())})
	if _, err := l.GetBalance(context.Background(), "x"); !errors.Is(err, engine.ErrNotInitialized) {
		t.Errorf("GetBalance() before Initialize = %v, want ErrNotInitialized", err)
	}
}

func TestNodeWallet(t *testing.T) {
	store := NewStore(storage.NewMemory())
	first := newTestLedger(t, store, "peer1", "node-pass")
	if first.NodeAddress() == "" {
		t.Fatal("node wallet not created")
	}

	// Same passphrase reopens the same wallet.
	second := newTestLedger(t, store, "peer1", "node-pass")
	if second.NodeAddress() != first.NodeAddress() {
		t.Errorf("node address changed: %s != %s", second.NodeAddress(), first.NodeAddress())
	}

	wrong := New(Config{Store: store, NodeID: "peer1", Passphrase: "nope", KDF: wallet.LightKDF()})
	if err := wrong.Initialize(context.Background()); !errors.Is(err, engine.ErrInvalidPassphrase) {
		t.Errorf("Initialize() wrong passphrase = %v, want ErrInvalidPassphrase", err)
	}
}

func TestGenesisAndMining(t *testing.T) {
	l := newTestLedger(t, nil, "", "")
	ctx := context.Background()
	miner := mustWallet(t, l, "miner", "pw")

	if _, err := l.MineBlock(ctx, miner); !errors.Is(err, errNoGenesis) {
		t.Fatalf("MineBlock() before genesis = %v", err)
	}

	var events []*engine.Block
	unsub := l.Subscribe(engine.EventNewBlock, func(ev engine.Event) { events = append(events, ev.Block) })

	created, err := l.CreateGenesis(ctx)
	if err != nil || !created {
		t.Fatalf("CreateGenesis() = %v, %v", created, err)
	}
	if created, err := l.CreateGenesis(ctx); err != nil || created {
		t.Errorf("second CreateGenesis() = %v, %v; want false, nil", created, err)
	}

	b := mustMine(t, l, miner)
	if b.Height != 1 {
		t.Errorf("mined height = %d, want 1", b.Height)
	}
	if bal, _ := l.GetBalance(ctx, miner); bal != Reward(1) {
		t.Errorf("miner balance = %s, want %s", bal, Reward(1))
	}
	if len(events) != 2 {
		t.Errorf("new_block events = %d, want 2", len(events))
	}

	unsub()
	mustMine(t, l, miner)
	if len(events) != 2 {
		t.Error("event delivered after unsubscribe")
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if !st.Active || st.Height != 2 || st.Wallets != 1 || st.Difficulty != testDifficulty {
		t.Errorf("Status() = %+v", st)
	}
}

func TestTransfer(t *testing.T) {
	l := newTestLedger(t, nil, "", "")
	ctx := context.Background()
	alice := mustWallet(t, l, "alice", "a-pw")
	bob := mustWallet(t, l, "bob", "b-pw")

	if _, err := l.CreateGenesis(ctx); err != nil {
		t.Fatalf("CreateGenesis() error: %v", err)
	}
	mustMine(t, l, alice)

	if _, err := l.CreateTransaction(ctx, engine.TxRequest{Sender: alice, Recipient: bob, Amount: engine.Coin, Passphrase: "wrong"}); !errors.Is(err, engine.ErrInvalidPassphrase) {
		t.Errorf("CreateTransaction() wrong passphrase = %v", err)
	}
	if _, err := l.CreateTransaction(ctx, engine.TxRequest{Sender: bob, Recipient: alice, Amount: engine.Coin, Passphrase: "b-pw"}); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Errorf("CreateTransaction() without funds = %v", err)
	}

	tx, err := l.CreateTransaction(ctx, engine.TxRequest{Sender: alice, Recipient: bob, Amount: 10 * engine.Coin, Memo: "rent", Passphrase: "a-pw"})
	if err != nil {
		t.Fatalf("CreateTransaction() error: %v", err)
	}
	added, err := l.AddTransactionToMempool(ctx, tx)
	if err != nil || !added {
		t.Fatalf("AddTransactionToMempool() = %v, %v", added, err)
	}
	if added, err := l.AddTransactionToMempool(ctx, tx); err != nil || added {
		t.Errorf("duplicate AddTransactionToMempool() = %v, %v; want false, nil", added, err)
	}

	tampered := *tx
	tampered.Amount = 20 * engine.Coin
	if _, err := l.AddTransactionToMempool(ctx, &tampered); !errors.Is(err, engine.ErrInvalidTransaction) {
		t.Errorf("tampered tx = %v, want ErrInvalidTransaction", err)
	}

	pending, _ := l.GetTransactionsForAddress(ctx, bob, 10)
	if len(pending) != 1 || pending[0].ID != tx.ID || pending[0].BlockHeight != 0 {
		t.Errorf("pending transactions for bob = %+v", pending)
	}

	b := mustMine(t, l, alice)
	if len(b.Transactions) != 2 {
		t.Fatalf("block carries %d transactions, want coinbase + transfer", len(b.Transactions))
	}

	wantAlice := Reward(1) - 10*engine.Coin - DefaultFee + Reward(2) + DefaultFee
	if bal, _ := l.GetBalance(ctx, alice); bal != wantAlice {
		t.Errorf("alice = %s, want %s", bal, wantAlice)
	}
	if bal, _ := l.GetBalance(ctx, bob); bal != 10*engine.Coin {
		t.Errorf("bob = %s, want 10", bal)
	}

	history, err := l.GetTransactionsForAddress(ctx, bob, 10)
	if err != nil {
		t.Fatalf("GetTransactionsForAddress() error: %v", err)
	}
	if len(history) != 1 || history[0].BlockHeight != 2 || history[0].Memo != "rent" {
		t.Errorf("bob history = %+v", history)
	}
	if st, _ := l.Status(ctx); st.MempoolSize != 0 {
		t.Errorf("mempool size after mining = %d", st.MempoolSize)
	}

	// Replaying a confirmed transaction fails on its nonce.
	if _, err := l.AddTransactionToMempool(ctx, tx); !errors.Is(err, engine.ErrInvalidTransaction) {
		t.Errorf("replayed tx = %v, want ErrInvalidTransaction", err)
	}
}

func TestApplyBlock_Rejects(t *testing.T) {
	store := NewStore(storage.NewMemory())
	l := newTestLedger(t, store, "", "")
	ctx := context.Background()
	miner := mustWallet(t, l, "m", "pw")
	if _, err := l.CreateGenesis(ctx); err != nil {
		t.Fatal(err)
	}

	// A second ledger on another store mines a competing block 1.
	other := newTestLedger(t, nil, "", "")
	other.now = func() time.Time { return time.Now().Add(-time.Hour) }
	if _, err := other.CreateGenesis(ctx); err != nil {
		t.Fatal(err)
	}
	foreign := mustMine(t, other, miner)

	genesis, err := store.Block(0)
	if err != nil {
		t.Fatal(err)
	}
	good := &engine.Block{
		Height: 1, PrevHash: genesis.Hash, Timestamp: time.Now().Unix(),
		Difficulty: testDifficulty, Miner: miner,
	}
	good.Transactions = []*engine.Transaction{newCoinbase(miner, Reward(1), 1, good.Timestamp)}
	if err := seal(ctx, good); err != nil {
		t.Fatal(err)
	}

	badWork := *good
	badWork.Nonce++
	greedy := *good
	greedy.Transactions = []*engine.Transaction{newCoinbase(miner, Reward(1)+1, 1, good.Timestamp)}
	if err := seal(ctx, &greedy); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		b    *engine.Block
	}{
		{"wrong parent", foreign},
		{"bad work", &badWork},
		{"coinbase overpays", &greedy},
	}
	for _, tt := range tests {
		if err := l.ApplyBlock(ctx, tt.b); !errors.Is(err, engine.ErrInvalidBlock) {
			t.Errorf("%s: ApplyBlock() = %v, want ErrInvalidBlock", tt.name, err)
		}
	}
	if err := l.ApplyBlock(ctx, good); err != nil {
		t.Fatalf("ApplyBlock(good) error: %v", err)
	}
	if err := l.ApplyBlock(ctx, good); !errors.Is(err, engine.ErrInvalidBlock) {
		t.Errorf("re-applying a block = %v, want ErrInvalidBlock", err)
	}
}

func TestStartStopMining(t *testing.T) {
	l := newTestLedger(t, nil, "", "")
	miner := mustWallet(t, l, "m", "pw")

	lp := loop.New("ledger-test")
	go lp.Run()
	defer lp.Stop()

	call := func(name string, fn loop.Func) (any, error) {
		t.Helper()
		task, err := lp.Submit(name, fn)
		if err != nil {
			t.Fatalf("Submit(%s) error: %v", name, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return task.Wait(ctx)
	}

	if _, err := call("start", func(ctx context.Context) (any, error) {
		return nil, l.StartMining(ctx, miner)
	}); err != nil {
		t.Fatalf("StartMining() error: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		val, err := call("status", func(ctx context.Context) (any, error) { return l.Status(ctx) })
		if err != nil {
			t.Fatalf("Status() error: %v", err)
		}
		st := val.(*engine.Status)
		if !st.Mining {
			t.Fatal("Status().Mining = false while mining")
		}
		if st.Height >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("miner produced height %d, want >= 2", st.Height)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := call("stop", func(ctx context.Context) (any, error) {
		return nil, l.StopMining(ctx)
	}); err != nil {
		t.Fatalf("StopMining() error: %v", err)
	}
	val, _ := call("status", func(ctx context.Context) (any, error) { return l.Status(ctx) })
	if val.(*engine.Status).Mining {
		t.Error("still mining after StopMining()")
	}
}
