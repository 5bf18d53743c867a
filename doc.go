// Package spendguard mediates access to a custodial Lightning wallet for
// multiple untrusted callers.
//
// # Overview
//
// Every spend goes through the same path: the budget ledger reserves the
// amount against the caller's per-transaction and per-day caps, the wallet
// operation is attempted (with a one-shot repair for stale wallet fragments),
// the confirmation state machine drives it to a proof or a failure, and the
// activity journal records the outcome. A failure discovered after the
// reservation releases it again.
//
// The paywall flow in package l402 builds on the same pieces to pay for
// HTTP 402 protected resources and replay the request with the proof.
//
// # State
//
// Requests are stateless. Budget counters, pending payment proofs, cached
// paywall credentials, pending invoices and the journal all live in Redis so
// independent process instances can serve the same caller.
//
// # Packages
//
//   - budget: atomic reserve and compensating release
//   - journal: bounded activity log
//   - invoices: pending receive-side invoices
//   - payment: confirmation state machine
//   - recovery: stale-resource repair
//   - bolt11: invoice decoding
//   - l402: pay-to-access flow
//   - wallet: wallet-provider client
//   - engine: composition used by the server and mcp front ends
package spendguard
