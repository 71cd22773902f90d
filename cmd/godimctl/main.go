// godimctl -- CLI client for the godim station admin API.
package main

import "github.com/dim-network/godim/cmd/godimctl/commands"

func main() {
	commands.Execute()
}
