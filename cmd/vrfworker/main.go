// vrfworker runs the VRF and signer contexts behind a JSON-lines message
// boundary on stdin/stdout.
//
//	vrfworker serve --config worker.toml   Handle messages until stdin closes
//	vrfworker accounts list                Show accounts in the local store
//	vrfworker accounts delete <account>    Forget an account's stored blobs
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
