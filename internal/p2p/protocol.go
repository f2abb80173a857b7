package p2p

// GossipSub topics. Payloads are the JSON encoding of engine.Block and
// engine.Transaction.
const (
	TopicBlocks       = "/orignode/block/1.0.0"
	TopicTransactions = "/orignode/tx/1.0.0"
)

// Rendezvous is the mDNS service tag and DHT namespace nodes advertise
// under.
const Rendezvous = "orignode"

// maxMessageSize bounds gossip payloads.
const maxMessageSize = 4 << 20
