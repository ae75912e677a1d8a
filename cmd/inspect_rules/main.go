package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"aerial-refine/rules"
)

// Print the resolved rule table for a rules file: every effective pair
// with its weight and direction, after category expansion and overrides.
func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: inspect_rules <rules-file.pl>")
	}

	path := os.Args[1]
	table, err := rules.Load(path)
	if err != nil {
		var noRules *rules.NoRulesError
		if errors.As(err, &noRules) {
			fmt.Printf("No usable rules in %s: %s\n", path, noRules.Reason)
			os.Exit(0)
		}
		log.Fatalf("Failed to load rules: %v", err)
	}

	pairs := table.Pairs()
	sort.Strings(pairs)

	fmt.Printf("=== Rule table: %s ===\n\n", path)
	fmt.Printf("Effective pairs:  %d\n", table.Len())
	fmt.Printf("Malformed lines:  %d\n\n", table.MalformedLines())

	for _, pair := range pairs {
		classes := strings.SplitN(pair, "<->", 2)
		weight := table.Lookup(classes[0], classes[1])
		kind := "boost"
		if weight < 1.0 {
			kind = "penalty"
		}
		fmt.Printf("  %-40s %.3f  (%s)\n", pair, weight, kind)
	}
}
