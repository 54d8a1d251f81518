// Command srptool derives the SRP salt and verifier for a relay identity so
// the pair can be pinned in config instead of keeping a plaintext password
// around.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/agentdeck/agentdeck/internal/relay"
)

func main() {
	identity := flag.String("identity", "agentdeck", "SRP identity (auth.identity)")
	password := flag.String("password", "", "pairing password to derive from")
	flag.Parse()

	if *password == "" {
		fmt.Fprintln(os.Stderr, "srptool: -password is required")
		flag.Usage()
		os.Exit(2)
	}

	saltHex, verifierHex, err := relay.DeriveCredentials(*identity, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "srptool: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("auth:\n  identity: %s\n  saltHex: %s\n  verifierHex: %s\n", *identity, saltHex, verifierHex)
}
