package p2p

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/orignode/config"
	"github.com/Klingon-tech/orignode/internal/engine"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

func startTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1"
	n := New(cfg)
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Connect(ctx, a.Addrs()[0]); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
	// Let GossipSub build its mesh.
	time.Sleep(500 * time.Millisecond)
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "node.key")

	_, id1, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	_, id2, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if id1 != id2 {
		t.Errorf("peer id changed across loads: %s != %s", id1, id2)
	}

	if err := os.WriteFile(path, []byte("not hex"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrCreateIdentity(path); err == nil {
		t.Error("corrupt key file accepted")
	}
}

func TestNode_BeforeStart(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1"})
	if n.ID() != "" || n.Addrs() != nil {
		t.Error("identity visible before Start")
	}
	if err := n.BroadcastBlock(&engine.Block{Hash: "h"}); err != ErrNotStarted {
		t.Errorf("BroadcastBlock() = %v, want ErrNotStarted", err)
	}
	if err := n.BroadcastTx(&engine.Transaction{ID: "t"}); err != ErrNotStarted {
		t.Errorf("BroadcastTx() = %v, want ErrNotStarted", err)
	}
	if err := n.Stop(); err != nil {
		t.Errorf("Stop() before Start: %v", err)
	}
}

func TestNode_StartWithIdentity(t *testing.T) {
	priv, id, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "node.key"))
	if err != nil {
		t.Fatal(err)
	}
	n := startTestNode(t, Config{Identity: priv})
	if n.ID() != id {
		t.Errorf("ID() = %s, want %s", n.ID(), id)
	}
	if len(n.Addrs()) == 0 {
		t.Error("no listen addresses")
	}
}

func TestNode_PeerTable(t *testing.T) {
	n := New(Config{})
	n.addPeer(peer.ID("a"), SourceMDNS)
	n.addPeer(peer.ID("a"), SourceDHT)
	n.addPeer(peer.ID("b"), "")
	if n.PeerCount() != 2 {
		t.Fatalf("PeerCount() = %d, want 2", n.PeerCount())
	}
	for _, p := range n.PeerList() {
		if p.ID == "a" && p.Source != SourceMDNS {
			t.Errorf("source of a = %q, first source should stick", p.Source)
		}
	}
	n.removePeer(peer.ID("a"))
	n.removePeer(peer.ID("b"))
	if n.PeerCount() != 0 {
		t.Errorf("PeerCount() = %d after removal", n.PeerCount())
	}
}

func TestNode_CheckIsolation(t *testing.T) {
	n := New(Config{IsolationAfter: time.Minute})
	start := time.Now()
	n.lastPeer = start

	if n.checkIsolation(start.Add(30 * time.Second)) {
		t.Error("isolated before the timeout")
	}
	if !n.checkIsolation(start.Add(2 * time.Minute)) {
		t.Error("not isolated after the timeout")
	}
	n.addPeer(peer.ID("p"), SourceDHT)
	if n.checkIsolation(start.Add(3 * time.Minute)) {
		t.Error("isolated with a peer connected")
	}
	if n.isolated {
		t.Error("isolation flag not cleared by a new peer")
	}
}

func TestNode_ProbeBootstrap(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	n := New(Config{Bootstrap: []config.BootstrapNode{
		{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port},
		{Host: "127.0.0.1", Port: 1},
	}})
	if got := n.probeBootstrap(); got != 1 {
		t.Errorf("probeBootstrap() = %d, want 1", got)
	}
	if n.ReachableBootstrap() != 1 {
		t.Errorf("ReachableBootstrap() = %d", n.ReachableBootstrap())
	}
}

func TestTwoNodes_BlockAndTxGossip(t *testing.T) {
	a := startTestNode(t, Config{})
	b := startTestNode(t, Config{})

	var gotBlock, gotTx atomic.Value
	b.SetBlockHandler(func(_ peer.ID, blk *engine.Block) { gotBlock.Store(blk) })
	b.SetTxHandler(func(_ peer.ID, tx *engine.Transaction) { gotTx.Store(tx) })

	connectNodes(t, a, b)
	if b.PeerCount() == 0 || a.PeerCount() == 0 {
		t.Fatal("peers not tracked after connect")
	}

	if err := a.BroadcastBlock(&engine.Block{Height: 42, Hash: "abc"}); err != nil {
		t.Fatalf("BroadcastBlock: %v", err)
	}
	if err := a.BroadcastTx(&engine.Transaction{ID: "tx1", Amount: 5}); err != nil {
		t.Fatalf("BroadcastTx: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for gotBlock.Load() == nil || gotTx.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for gossip")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if blk := gotBlock.Load().(*engine.Block); blk.Height != 42 {
		t.Errorf("block height = %d, want 42", blk.Height)
	}
	if tx := gotTx.Load().(*engine.Transaction); tx.Amount != 5 {
		t.Errorf("tx amount = %d, want 5", tx.Amount)
	}
}

func TestNode_PeerPersistence(t *testing.T) {
	db := storage.NewPrefixDB(storage.NewMemory(), []byte("p2p/"))
	a := startTestNode(t, Config{DB: db})
	b := startTestNode(t, Config{})
	connectNodes(t, a, b)

	a.persistPeers()
	records, err := NewPeerStore(db).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.ID == b.ID().String() && len(rec.Addrs) > 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("peer %s not persisted: %+v", b.ID(), records)
	}
}

func TestPeerStore_PruneStale(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	now := time.Now()
	for _, rec := range []PeerRecord{
		{ID: "fresh", LastSeen: now.Unix()},
		{ID: "old", LastSeen: now.Add(-48 * time.Hour).Unix()},
	} {
		if err := ps.Save(rec); err != nil {
			t.Fatal(err)
		}
	}
	n, err := ps.PruneStale(now, staleThreshold)
	if err != nil || n != 1 {
		t.Fatalf("PruneStale() = %d, %v; want 1", n, err)
	}
	if c, _ := ps.Count(); c != 1 {
		t.Errorf("Count() = %d after prune, want 1", c)
	}
}
