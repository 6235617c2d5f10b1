// Command stopgate gates autonomous task loops on a checkpoint document and
// tests the hooks that enforce the gate in isolated sandboxes.
package main

import (
	"context"
	"os"

	"github.com/roach88/stopgate/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
