// Command node runs and manages an orignode full node.
//
// Usage:
//
//	node start [--p2p-port N --api-port N --bootstrap host:port,...]
//	node stop
//	node status [-o table|json|yaml]
//	node mine --miner <username>
//	node create_genesis
package main

import (
	"os"

	"github.com/Klingon-tech/orignode/cmd/node/commands"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	os.Exit(commands.Execute())
}
