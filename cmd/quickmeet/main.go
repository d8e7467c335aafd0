package main

import (
	"github.com/Tajbir23/quick-meet-sub002/cmd/quickmeet/commands"
)

func main() {
	commands.Execute()
}
