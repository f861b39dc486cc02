package main

import (
	"fmt"
	"os"

	"github.com/marcelsud/payment-inbox/routing"
)

/* validate-rules - Standalone CLI tool to validate rules.yaml
 * Usage: go run cmd/validate-rules/main.go [rules.yaml]
 * Exit codes: 0 = valid, 1 = invalid
 */

func main() {
	rulesFile := "rules.yaml"
	if len(os.Args) > 1 {
		rulesFile = os.Args[1]
	}

	fmt.Printf("Validating rules file: %s\n", rulesFile)

	table := routing.NewTable()
	if err := table.Load(rulesFile); err != nil {
		fmt.Fprintf(os.Stderr, "VALIDATION FAILED\n\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rules := table.List()
	fmt.Printf("VALIDATION PASSED\n\n")
	fmt.Printf("Loaded %d rule(s):\n", len(rules))

	for i, rule := range rules {
		fmt.Printf("\n%d. Event type: %s\n", i+1, rule.EventType)
		fmt.Printf("   Enabled: %t\n", rule.Enabled)
		if rule.MaxRetries != nil {
			fmt.Printf("   Max retries: %d\n", *rule.MaxRetries)
		}
		if rule.HandlerTimeoutSeconds != nil {
			fmt.Printf("   Handler timeout: %ds\n", *rule.HandlerTimeoutSeconds)
		}
	}

	os.Exit(0)
}
