// Command netstackd runs the user-space TCP/IP stack: serve brings up the
// network, ping probes a host, and ftpserver binds a placeholder FTP
// listener, all against the same stack implementation.
package main

import "github.com/go-netstack/netstackd/cmd/netstackd/commands"

func main() {
	commands.Execute()
}
