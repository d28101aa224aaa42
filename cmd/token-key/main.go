// Package main provides a one-shot utility for access token key generation.
//
// It emits the Ed25519 keypair used to sign and verify tracker tokens.
package main

import (
	"os"

	"github.com/fernwick/timeledger/internal/platform/config"
	"github.com/fernwick/timeledger/internal/tools/tokenkey"
)

func main() {
	if err := tokenkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate token key: %v", err)
	}
}
