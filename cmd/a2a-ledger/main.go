// Command a2a-ledger operates a reliable agent-to-agent delivery ledger.
//
// Usage:
//
//	a2a-ledger run --backend sqlite
//	a2a-ledger stats --config a2a.yaml
//	a2a-ledger purge
//	a2a-ledger validate envelope.json
//	a2a-ledger health --backend redis
//
// Configuration is read from the optional --config YAML file and A2A_*
// environment variables. See package runtime/delivery/config.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}
