package main

import (
	"log"

	"github.com/BIwashi/canreplay/app/dump"
	"github.com/BIwashi/canreplay/app/extract"
	"github.com/BIwashi/canreplay/app/replay"
	"github.com/BIwashi/canreplay/pkg/cli"
)

func main() {
	c := cli.NewCLI(
		"canreplay",
		"Extract CAN frames from bus logs and replay them with their original timing.",
	)

	c.AddCommands(
		extract.NewCommand(),
		replay.NewCommand(),
		dump.NewCommand(),
	)

	if err := c.Run(); err != nil {
		log.Fatal(err)
	}
}
