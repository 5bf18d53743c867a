// Package mcp exposes the payment engine to agents as MCP (Model Context
// Protocol) tools.
//
// Each authenticated connection gets its own MCP server whose tools are
// bound to the caller resolved by the HTTP layer, so every tool call is
// checked against that caller's role and budget.
//
// # Server Usage
//
//	handler := mcp.Handler(engine, mcp.WithLogger(logger))
//	router := server.New(engine, verifier, server.WithMCP(handler))
//
// Agents connect over SSE at /mcp/sse with the same bearer token they
// use for the JSON API.
//
// # Tools
//
//   - pay_invoice, payment_status, send_transfer
//   - fetch, fetch_status
//   - create_invoice, list_invoices
//   - balance, activity, budget_status, reset_budget
//
// Failed calls return IsError results whose structured content carries
// the error kind, so agents can tell a budget rejection from a wallet
// outage.
package mcp
