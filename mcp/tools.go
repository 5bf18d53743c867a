package mcp

import (
	"context"
	"encoding/json"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/engine"
	"github.com/agentpay/spendguard/invoices"
	"github.com/agentpay/spendguard/journal"
	"github.com/agentpay/spendguard/l402"
)

// Service is the set of engine operations published as tools
type Service interface {
	PayInvoice(ctx context.Context, caller spendguard.Caller, invoice string, maxFeeSats int64) (*engine.Receipt, error)
	SendTransfer(ctx context.Context, caller spendguard.Caller, address string, amountSats int64) (*engine.Receipt, error)
	PaymentStatus(ctx context.Context, caller spendguard.Caller, paymentID string) (*engine.PaymentState, error)
	Fetch(ctx context.Context, caller spendguard.Caller, req l402.Request) (*l402.Result, error)
	FetchStatus(ctx context.Context, caller spendguard.Caller, reference string) (*l402.Result, error)
	CreateInvoice(ctx context.Context, caller spendguard.Caller, req spendguard.InvoiceRequest) (*spendguard.Invoice, error)
	ListInvoices(ctx context.Context, caller spendguard.Caller) ([]invoices.PendingInvoice, error)
	Balance(ctx context.Context, caller spendguard.Caller) (spendguard.Balance, error)
	Activity(ctx context.Context, caller spendguard.Caller, limit int, agent string) ([]journal.Entry, error)
	BudgetStatus(ctx context.Context, caller spendguard.Caller) (*engine.BudgetStatus, error)
	ResetBudget(ctx context.Context, caller spendguard.Caller, budgetID string) error
}

var _ Service = (*engine.Engine)(nil)

// Tool names
const (
	ToolPayInvoice    = "pay_invoice"
	ToolPaymentStatus = "payment_status"
	ToolSendTransfer  = "send_transfer"
	ToolFetch         = "fetch"
	ToolFetchStatus   = "fetch_status"
	ToolCreateInvoice = "create_invoice"
	ToolListInvoices  = "list_invoices"
	ToolBalance       = "balance"
	ToolActivity      = "activity"
	ToolBudgetStatus  = "budget_status"
	ToolResetBudget   = "reset_budget"
)

// tool is one published operation. run receives the raw JSON arguments.
type tool struct {
	name        string
	description string
	properties  map[string]interface{}
	required    []string
	run         func(ctx context.Context, svc Service, caller spendguard.Caller, args json.RawMessage) (interface{}, error)
}

func (t tool) inputSchema() map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if len(t.properties) > 0 {
		schema["properties"] = t.properties
	}
	if len(t.required) > 0 {
		schema["required"] = t.required
	}
	return schema
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

// decodeArgs unmarshals tool arguments into T. Empty arguments decode to
// the zero value.
func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, spendguard.WrapError(spendguard.KindInvalidRequest, "malformed tool arguments", err)
	}
	return v, nil
}

type payInvoiceArgs struct {
	Invoice    string `json:"invoice"`
	MaxFeeSats int64  `json:"maxFeeSats"`
}

type paymentStatusArgs struct {
	PaymentID string `json:"paymentId"`
}

type transferArgs struct {
	Address    string `json:"address"`
	AmountSats int64  `json:"amountSats"`
}

type fetchStatusArgs struct {
	Reference string `json:"reference"`
}

type activityArgs struct {
	Limit int    `json:"limit"`
	Agent string `json:"agent"`
}

type resetBudgetArgs struct {
	BudgetID string `json:"budgetId"`
}

// tools lists every published operation in registration order
var tools = []tool{
	{
		name:        ToolPayInvoice,
		description: "Pay a BOLT-11 Lightning invoice within your spending limits.",
		properties: map[string]interface{}{
			"invoice":    prop("string", "BOLT-11 invoice with an amount"),
			"maxFeeSats": prop("integer", "Routing fee ceiling in sats"),
		},
		required: []string{"invoice"},
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, raw json.RawMessage) (interface{}, error) {
			args, err := decodeArgs[payInvoiceArgs](raw)
			if err != nil {
				return nil, err
			}
			return svc.PayInvoice(ctx, caller, args.Invoice, args.MaxFeeSats)
		},
	},
	{
		name:        ToolPaymentStatus,
		description: "Look up the status of an outgoing Lightning payment.",
		properties:  map[string]interface{}{"paymentId": prop("string", "Wallet payment id")},
		required:    []string{"paymentId"},
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, raw json.RawMessage) (interface{}, error) {
			args, err := decodeArgs[paymentStatusArgs](raw)
			if err != nil {
				return nil, err
			}
			return svc.PaymentStatus(ctx, caller, args.PaymentID)
		},
	},
	{
		name:        ToolSendTransfer,
		description: "Send sats to a native wallet address.",
		properties: map[string]interface{}{
			"address":    prop("string", "Destination address"),
			"amountSats": prop("integer", "Amount in sats"),
		},
		required: []string{"address", "amountSats"},
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, raw json.RawMessage) (interface{}, error) {
			args, err := decodeArgs[transferArgs](raw)
			if err != nil {
				return nil, err
			}
			return svc.SendTransfer(ctx, caller, args.Address, args.AmountSats)
		},
	},
	{
		name:        ToolFetch,
		description: "Fetch a URL, paying its L402 challenge if it is paywalled.",
		properties: map[string]interface{}{
			"url":          prop("string", "http or https URL"),
			"method":       prop("string", "HTTP method, GET by default"),
			"headers":      map[string]interface{}{"type": "object", "additionalProperties": map[string]interface{}{"type": "string"}},
			"body":         prop("string", "Request body"),
			"maxFeeSats":   prop("integer", "Routing fee ceiling in sats"),
			"maxPriceSats": prop("integer", "Refuse challenges priced above this"),
		},
		required: []string{"url"},
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, raw json.RawMessage) (interface{}, error) {
			req, err := decodeArgs[l402.Request](raw)
			if err != nil {
				return nil, err
			}
			return paywallResult(svc.Fetch(ctx, caller, req))
		},
	},
	{
		name:        ToolFetchStatus,
		description: "Continue a paywalled fetch whose payment was still pending.",
		properties:  map[string]interface{}{"reference": prop("string", "Reference returned by fetch")},
		required:    []string{"reference"},
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, raw json.RawMessage) (interface{}, error) {
			args, err := decodeArgs[fetchStatusArgs](raw)
			if err != nil {
				return nil, err
			}
			return paywallResult(svc.FetchStatus(ctx, caller, args.Reference))
		},
	},
	{
		name:        ToolCreateInvoice,
		description: "Create an invoice to receive sats.",
		properties: map[string]interface{}{
			"amountSats":    prop("integer", "Amount in sats"),
			"memo":          prop("string", "Description"),
			"expirySeconds": prop("integer", "Expiry in seconds"),
			"kind":          map[string]interface{}{"type": "string", "enum": []string{"lightning", "native"}},
		},
		required: []string{"amountSats"},
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, raw json.RawMessage) (interface{}, error) {
			req, err := decodeArgs[spendguard.InvoiceRequest](raw)
			if err != nil {
				return nil, err
			}
			return svc.CreateInvoice(ctx, caller, req)
		},
	},
	{
		name:        ToolListInvoices,
		description: "List invoices that are still waiting for payment.",
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, _ json.RawMessage) (interface{}, error) {
			list, err := svc.ListInvoices(ctx, caller)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"invoices": list}, nil
		},
	},
	{
		name:        ToolBalance,
		description: "Read the wallet balance.",
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, _ json.RawMessage) (interface{}, error) {
			return svc.Balance(ctx, caller)
		},
	},
	{
		name:        ToolActivity,
		description: "Read recent payment activity, newest first.",
		properties: map[string]interface{}{
			"limit": prop("integer", "Maximum entries"),
			"agent": prop("string", "Filter by agent id (admins only)"),
		},
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, raw json.RawMessage) (interface{}, error) {
			args, err := decodeArgs[activityArgs](raw)
			if err != nil {
				return nil, err
			}
			if args.Limit < 0 {
				return nil, spendguard.Errorf(spendguard.KindInvalidRequest, "invalid limit %d", args.Limit)
			}
			entries, err := svc.Activity(ctx, caller, args.Limit, args.Agent)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"entries": entries}, nil
		},
	},
	{
		name:        ToolBudgetStatus,
		description: "Show today's spend against your limits.",
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, _ json.RawMessage) (interface{}, error) {
			return svc.BudgetStatus(ctx, caller)
		},
	},
	{
		name:        ToolResetBudget,
		description: "Reset today's spend counter for a budget. Admin only.",
		properties:  map[string]interface{}{"budgetId": prop("string", "Agent id or pool:<name>")},
		required:    []string{"budgetId"},
		run: func(ctx context.Context, svc Service, caller spendguard.Caller, raw json.RawMessage) (interface{}, error) {
			args, err := decodeArgs[resetBudgetArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := svc.ResetBudget(ctx, caller, args.BudgetID); err != nil {
				return nil, err
			}
			return map[string]interface{}{"reset": args.BudgetID}, nil
		},
	},
}

// paywallResult keeps a nil result untyped so failures without a result
// are not reported as carrying one.
func paywallResult(res *l402.Result, err error) (interface{}, error) {
	if res == nil {
		return nil, err
	}
	return res, err
}
