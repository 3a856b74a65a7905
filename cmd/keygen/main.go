package main

import (
	"fmt"
	"os"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/identity"
)

func main() {
	var apiKey string
	switch {
	case len(os.Args) == 2:
		apiKey = os.Args[1]
	case len(os.Args) == 1:
		key, err := identity.Mint()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "cgk_" + key
	default:
		fmt.Println("Usage: go run ./cmd/keygen [api-key]")
		fmt.Println("Hashes the API key, or a freshly generated one, for the admin section of config.yaml")
		os.Exit(1)
	}

	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("API Key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("admin:\n")
	fmt.Printf("  enabled: true\n")
	fmt.Printf("  api_keys:\n")
	fmt.Printf("    - key_hash: \"%s\"\n", keyHash)
	fmt.Printf("      description: \"Generated key\"\n")
}
