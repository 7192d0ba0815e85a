// Command peerdoc runs and administers a peer-to-peer document store node.
package main

import (
	"context"
	"os"

	"github.com/roach88/peerdoc/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
