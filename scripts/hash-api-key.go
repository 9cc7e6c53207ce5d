package main

import (
	"fmt"
	"os"

	"github.com/augmentos/cloud-relay-go/internal/util"
)

// Prints the bcrypt hash to store in apps.hashed_api_key. Without an argument a new
// key is generated and printed first.
func main() {
	var apiKey string
	switch len(os.Args) {
	case 1:
		key, err := util.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		apiKey = key
		fmt.Printf("api key: %s\n", apiKey)
	case 2:
		apiKey = os.Args[1]
	default:
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-api-key.go [api-key]\n")
		os.Exit(1)
	}

	hash, err := util.HashAPIKey(apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}
