package main

import (
	"fmt"
	"os"

	"github.com/rendis/drip/internal/catalog"
	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/pkg/schema"
)

// runValidate checks each file on its own, then checks that the valid ones
// can be loaded together.
func runValidate(files []string) {
	if len(files) == 0 {
		fatal("usage: drip validate FILE...")
	}
	engines, err := expressions.NewEngines()
	if err != nil {
		fatal("%v", err)
	}
	v, err := validation.NewWorkflowValidator(engines)
	if err != nil {
		fatal("%v", err)
	}

	failed := false
	var docs [][]byte
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			fatal("%v", err)
		}
		def, result := v.ValidateBytes(data)
		printIssues(file, result)
		if !result.Valid() {
			failed = true
			continue
		}
		fmt.Printf("ok   %s (%s v%d, %d warnings)\n", file, def.ID, def.Version, len(result.Warnings))
		docs = append(docs, data)
	}

	if len(docs) > 1 {
		if _, err := catalog.Load(docs...); err != nil {
			fmt.Printf("FAIL catalog: %v\n", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func printIssues(file string, result *schema.ValidationResult) {
	if !result.Valid() {
		fmt.Printf("FAIL %s\n", file)
	}
	for _, issue := range result.Errors {
		fmt.Printf("     error   %s: %s (%s)\n", issue.Path, issue.Message, issue.Reason)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("     warning %s: %s (%s)\n", issue.Path, issue.Message, issue.Reason)
	}
}
