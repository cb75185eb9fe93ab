// The main package for the corpus-crawler executable.
package main

import (
	"github.com/JakeFAU/corpus-crawler/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
