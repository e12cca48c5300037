// Conversate AI server: runs a Gemini-backed assistant bot in each Stream
// Chat channel that asks for one.
//
// Commands:
//   - serve: the HTTP control surface plus the idle-agent sweeper
//   - agent: start, stop and inspect agents on a running server
package main

func main() {
	Execute()
}
