// Package l402 pays for HTTP resources behind a Lightning paywall.
//
// A request is first sent without credentials. A 402 response carries a
// challenge: a macaroon and a BOLT-11 invoice, either in a
// WWW-Authenticate header or in a JSON body. The invoice's own amount is
// reserved against the caller's daily budget, paid from the wallet, and
// the request is replayed with
//
//	Authorization: L402 <macaroon>:<preimage>
//
// Paid credentials are cached per domain and tried before paying again.
//
// Payments whose proof is not ready within one request are persisted as a
// PendingProof; Client.Complete resumes them from another request, on any
// instance sharing the same Redis.
package l402
