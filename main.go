// Command makerd is the resource-access-control coordination daemon
// entrypoint, mirroring eve's thin main.go that delegates everything to
// cli.RootCmd.
package main

import (
	"os"

	"makerd/cli"
)

func main() {
	os.Exit(cli.Execute())
}
