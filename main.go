// File: main.go
package main

import (
	"github.com/xkilldash9x/certidao-cli/cmd"
)

// main is the entry point for the certidao CLI.
func main() {
	cmd.Execute()
}
