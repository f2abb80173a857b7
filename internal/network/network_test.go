package network

import (
	"context"
	"testing"
	"time"

	"github.com/Klingon-tech/orignode/internal/api"
	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/ledger"
	"github.com/Klingon-tech/orignode/internal/p2p"
	"github.com/Klingon-tech/orignode/internal/service"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/Klingon-tech/orignode/internal/wallet"
)

type testNode struct {
	layer   *Layer
	wallets *service.WalletService
	chain   *service.ChainService
}

func startTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	cfg := ledger.Config{
		Store:      ledger.NewStore(storage.NewMemory()),
		NodeID:     id,
		Passphrase: "node-pass",
		Difficulty: 4,
		KDF:        wallet.LightKDF(),
	}
	wb := service.NewEngineBridge("wallet", service.LedgerFactory(cfg), service.DegradedWallet, nil)
	cb := service.NewEngineBridge("chain", service.LedgerFactory(cfg), service.DegradedChain, nil)
	t.Cleanup(wb.StopLoop)
	t.Cleanup(cb.StopLoop)

	n := &testNode{wallets: service.NewWalletService(wb), chain: service.NewChainService(cb)}
	n.layer = New(Config{
		P2P: p2p.Config{ListenAddr: "127.0.0.1"},
		API: api.Config{Addr: "127.0.0.1:0"},
	}, n.wallets, n.chain)
	if err := n.layer.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.layer.Stop(ctx)
	})
	return n
}

func TestSeenSet(t *testing.T) {
	s := newSeenSet(2)
	if !s.add("a") || s.add("a") {
		t.Fatal("duplicate id accepted")
	}
	s.add("b")
	s.add("c") // evicts a
	if !s.add("a") {
		t.Error("evicted id still remembered")
	}
}

func TestLayer_GossipsMinedBlocks(t *testing.T) {
	a := startTestNode(t, "node-a")
	b := startTestNode(t, "node-b")
	ctx := context.Background()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.layer.Node().Connect(dialCtx, a.layer.Node().Addrs()[0]); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(time.Second)

	miner, err := a.wallets.CreateWallet(ctx, "miner", "pw")
	if err != nil {
		t.Fatalf("CreateWallet() error: %v", err)
	}
	if created, err := a.chain.CreateGenesis(ctx); err != nil || !created {
		t.Fatalf("CreateGenesis() = %v, %v", created, err)
	}
	if err := a.chain.StartMining(ctx, miner); err != nil {
		t.Fatalf("StartMining() error: %v", err)
	}
	defer a.chain.StopMining(ctx)

	deadline := time.Now().Add(15 * time.Second)
	for {
		st, err := b.chain.Status(ctx)
		if err == nil && st.Height >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node b did not follow node a: %+v, %v", st, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	bal, err := b.wallets.GetBalance(ctx, miner)
	if err != nil || bal == 0 {
		t.Errorf("miner balance on node b = %s, %v", bal, err)
	}
}

func connectNodes(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.layer.Node().Connect(ctx, a.layer.Node().Addrs()[0]); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(time.Second)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestGossipSources(t *testing.T) {
	cfg := ledger.Config{Store: ledger.NewStore(storage.NewMemory()), NodeID: "x", Difficulty: 4, KDF: wallet.LightKDF()}
	wb := service.NewEngineBridge("wallet", service.LedgerFactory(cfg), nil, nil)
	cb := service.NewEngineBridge("chain", service.LedgerFactory(cfg), nil, nil)
	sb := service.NewEngineBridge("sync", service.LedgerFactory(cfg), nil, nil)

	got := gossipSources(service.NewWalletService(wb), service.NewChainService(cb), []*service.EngineBridge{cb, sb, wb})
	if len(got) != 3 || got[0] != wb || got[1] != cb || got[2] != sb {
		t.Fatalf("sources = %v, want wallet, chain, sync once each", got)
	}

	l := New(Config{}, service.NewWalletService(wb), service.NewChainService(cb))
	if len(l.Sources()) != 2 {
		t.Errorf("layer sources = %d, want the wallet and chain bridges", len(l.Sources()))
	}
}

func TestLayer_GossipsWalletTransactions(t *testing.T) {
	a := startTestNode(t, "node-a")
	b := startTestNode(t, "node-b")
	connectNodes(t, a, b)
	ctx := context.Background()

	alice, err := a.wallets.CreateWallet(ctx, "alice", "a-pw")
	if err != nil {
		t.Fatalf("CreateWallet() error: %v", err)
	}
	bob, err := a.wallets.CreateWallet(ctx, "bob", "b-pw")
	if err != nil {
		t.Fatalf("CreateWallet() error: %v", err)
	}
	if _, err := a.chain.CreateGenesis(ctx); err != nil {
		t.Fatalf("CreateGenesis() error: %v", err)
	}
	if err := a.chain.StartMining(ctx, alice); err != nil {
		t.Fatalf("StartMining() error: %v", err)
	}
	waitFor(t, "a funded block", func() bool {
		st, err := a.chain.Status(ctx)
		return err == nil && st.Height >= 1
	})
	if err := a.chain.StopMining(ctx); err != nil {
		t.Fatalf("StopMining() error: %v", err)
	}
	tip, err := a.chain.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "node b to reach a's tip", func() bool {
		st, err := b.chain.Status(ctx)
		return err == nil && st.Height == tip.Height
	})

	tx, err := a.wallets.SendTransaction(ctx, engine.TxRequest{Sender: alice, Recipient: bob, Amount: engine.Coin, Passphrase: "a-pw"})
	if err != nil {
		t.Fatalf("SendTransaction() error: %v", err)
	}
	waitFor(t, "the transaction on node b", func() bool {
		st, err := b.chain.Status(ctx)
		return err == nil && st.MempoolSize == 1
	})
	txs, err := b.wallets.GetTransactions(ctx, bob, 10)
	if err != nil || len(txs) == 0 || txs[0].ID != tx.ID {
		t.Errorf("bob's transactions on node b = %v, %v", txs, err)
	}
}

func TestLayer_StartFailsOnBusyAPIPort(t *testing.T) {
	a := startTestNode(t, "node-a")

	cfg := ledger.Config{Store: ledger.NewStore(storage.NewMemory()), NodeID: "x", Difficulty: 4, KDF: wallet.LightKDF()}
	cb := service.NewEngineBridge("chain", service.LedgerFactory(cfg), nil, nil)
	defer cb.StopLoop()
	l := New(Config{
		P2P: p2p.Config{ListenAddr: "127.0.0.1"},
		API: api.Config{Addr: a.layer.API().Addr()},
	}, service.NewWalletService(cb), service.NewChainService(cb))
	if err := l.Start(context.Background()); err == nil {
		l.Stop(context.Background())
		t.Fatal("Start() succeeded on a port already in use")
	}
	if l.Node().Host() == nil {
		t.Fatal("p2p node never started")
	}
}
