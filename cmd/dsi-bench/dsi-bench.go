/*
dsi-bench streams packets between two tasks through a DSI stream and
reports the throughput.
*/
package main

import "github.com/skycoin/dsi/cmd/dsi-bench/commands"

func main() {
	commands.Execute()
}
