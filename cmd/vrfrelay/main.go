// vrfrelay is the relay side of the three-pass VRF key escrow.
//
//	vrfrelay keygen --out relay-keys.json   Create a relay key file
//	vrfrelay rotate --key-file ...          Add a new current key, keep the old one for grace
//	vrfrelay retire --key-file ... --id ID  Drop a grace key
//	vrfrelay serve --config relay.toml      Serve apply/remove lock over HTTP
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
