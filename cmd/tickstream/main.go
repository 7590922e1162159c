// Command tickstream relays market-data events from a pub/sub bus to
// WebSocket and SSE clients.
package main

import (
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/cli"
)

func main() {
	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "tickstream",
		Description: "Market-data event relay from the TickStock bus to browser clients",
		EnvPrefix:   "TICKSTREAM",
		RunServer:   cli.Serve,
	}))
}
