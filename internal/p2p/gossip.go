package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/orignode/internal/engine"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// ErrNotStarted is returned when publishing before Start.
var ErrNotStarted = errors.New("p2p node not started")

// BroadcastBlock publishes b on the block topic.
func (n *Node) BroadcastBlock(b *engine.Block) error {
	return n.publish(n.topicBlock, b)
}

// BroadcastTx publishes tx on the transaction topic.
func (n *Node) BroadcastTx(tx *engine.Transaction) error {
	return n.publish(n.topicTx, tx)
}

func (n *Node) publish(topic *pubsub.Topic, v any) error {
	if topic == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode gossip: %w", err)
	}
	return topic.Publish(n.ctx, data)
}

func decodeBlock(data []byte) (*engine.Block, error) {
	var b engine.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	if b.Hash == "" {
		return nil, errors.New("decode block: missing hash")
	}
	return &b, nil
}

func decodeTx(data []byte) (*engine.Transaction, error) {
	var tx engine.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.ID == "" {
		return nil, errors.New("decode transaction: missing id")
	}
	return &tx, nil
}
