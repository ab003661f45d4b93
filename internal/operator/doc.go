// Package operator connects a running loop to the person supervising it.
//
// A Broker holds the pending escalation and the stop flag. Every operator
// surface (terminal prompt, HTTP API, MCP tools, the stop and reply files
// in the state directory, process signals) feeds the same Broker, and the
// loop controller reads from it.
package operator
