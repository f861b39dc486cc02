package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/marcelsud/payment-inbox/signature"
)

/* gen-secret - Standalone CLI tool to generate a signing secret
 * Usage: go run cmd/gen-secret/main.go [size_bytes]
 * Prints a whsec_-prefixed secret suitable for WEBHOOK_SECRETS
 */

func main() {
	size := 32
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: size must be an integer, got %q\n", os.Args[1])
			os.Exit(1)
		}
		size = n
	}

	secret, err := signature.GenerateSecret(size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(secret.String())
}
