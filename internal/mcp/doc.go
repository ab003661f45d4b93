// Package mcp exposes a running loop to MCP clients over stdio.
//
// Tools: loop_status, queue_list, queue_add, escalation_reply and
// loop_stop. They read the persisted state and drive the same operator
// broker as the HTTP API.
package mcp
