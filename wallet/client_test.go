package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/recovery"
)

func TestNewClientDefaults(t *testing.T) {
	client := NewClient(nil)
	if client.url != DefaultURL {
		t.Errorf("Expected default URL %s, got %s", DefaultURL, client.url)
	}
	if client.httpClient == nil {
		t.Fatal("Expected an HTTP client")
	}

	client = NewClient(&Config{URL: "http://wallet:9000/", APIKey: "k"})
	if client.url != "http://wallet:9000" {
		t.Errorf("Expected trailing slash trimmed, got %s", client.url)
	}
}

func TestDecodePaymentResult(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		id      string
		proof   string
		wantErr bool
	}{
		{
			name:  "lightning send request",
			body:  `{"id":"ln-1","status":"LIGHTNING_PAYMENT_INITIATED","encodedInvoice":"lnbc1"}`,
			want:  "lightning",
			id:    "ln-1",
			proof: "",
		},
		{
			name:  "lightning with preimage",
			body:  `{"id":"ln-2","status":"PREIMAGE_PROVIDED","paymentPreimage":"abcd"}`,
			want:  "lightning",
			id:    "ln-2",
			proof: "abcd",
		},
		{
			name: "status only",
			body: `{"id":"ln-3","status":"LIGHTNING_PAYMENT_SUCCEEDED"}`,
			want: "lightning",
			id:   "ln-3",
		},
		{
			name: "wallet transfer",
			body: `{"id":"tr-1","status":"TRANSFER_STATUS_COMPLETED","transferDirection":"OUTGOING","totalValue":500}`,
			want: "transfer",
			id:   "tr-1",
		},
		{
			name: "enveloped",
			body: `{"request":{"id":"ln-4","status":"LIGHTNING_PAYMENT_CREATED"}}`,
			want: "lightning",
			id:   "ln-4",
		},
		{
			name:    "unrecognized",
			body:    `{"hello":"world"}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			body:    `[1]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := DecodePaymentResult([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, result.PaymentID())
			assert.Equal(t, tt.proof, result.Proof())

			switch r := result.(type) {
			case *spendguard.LightningSendRequest:
				assert.Equal(t, "lightning", tt.want)
			case *spendguard.WalletTransfer:
				assert.Equal(t, "transfer", tt.want)
				assert.Equal(t, int64(500), r.AmountSats)
				assert.True(t, r.Completed())
			default:
				t.Fatalf("unexpected variant %T", result)
			}
		})
	}
}

func newSidecar(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(&Config{URL: server.URL, APIKey: "secret"})
}

func TestClientReads(t *testing.T) {
	client := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Expected bearer API key, got %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/balance":
			fmt.Fprint(w, `{"balance":12345}`)
		case "/address":
			fmt.Fprint(w, `{"address":"sprt1abc"}`)
		case "/transfers":
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			assert.Equal(t, "5", r.URL.Query().Get("offset"))
			fmt.Fprint(w, `{"transfers":[{"id":"t1","status":"TRANSFER_STATUS_COMPLETED","transferDirection":"INCOMING","totalValue":42,"paymentHash":"aa"}]}`)
		case "/lightning/pay/ln-1":
			fmt.Fprint(w, `{"id":"ln-1","status":"PREIMAGE_PROVIDED","paymentPreimage":"ff"}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	balance, err := client.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), balance.Sats)

	addr, err := client.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sprt1abc", addr)

	transfers, err := client.ListTransfers(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, spendguard.DirectionIncoming, transfers[0].Direction)
	assert.Equal(t, int64(42), transfers[0].AmountSats)

	status, err := client.LightningSendStatus(ctx, "ln-1")
	require.NoError(t, err)
	assert.Equal(t, "ff", status.Proof())
}

func TestClientPayAndFee(t *testing.T) {
	client := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/lightning/fee-estimate":
			assert.Equal(t, "lnbc1", body["invoice"])
			fmt.Fprint(w, `{"feeSats":3}`)
		case "/lightning/pay":
			assert.Equal(t, float64(3), body["maxFeeSats"])
			fmt.Fprint(w, `{"id":"ln-9","status":"LIGHTNING_PAYMENT_INITIATED","encodedInvoice":"lnbc1"}`)
		case "/transfers":
			assert.Equal(t, "sprt1dest", body["receiverAddress"])
			fmt.Fprint(w, `{"id":"tr-2","status":"TRANSFER_STATUS_COMPLETED","transferDirection":"OUTGOING","totalValue":77}`)
		case "/invoices/lightning":
			fmt.Fprint(w, `{"id":"inv-1","encodedInvoice":"lnbcrt1","paymentHash":"abcd","createdAt":"2026-01-02T03:04:05Z"}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	fee, err := client.EstimateLightningFee(ctx, "lnbc1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), fee)

	result, err := client.PayLightningInvoice(ctx, "lnbc1", 3)
	require.NoError(t, err)
	req, ok := result.(*spendguard.LightningSendRequest)
	require.True(t, ok)
	assert.Equal(t, "ln-9", req.ID)

	tr, err := client.Transfer(ctx, "sprt1dest", 77)
	require.NoError(t, err)
	assert.Equal(t, int64(77), tr.AmountSats)

	inv, err := client.CreateLightningInvoice(ctx, spendguard.InvoiceRequest{AmountSats: 50, Memo: "tip", ExpirySeconds: 600})
	require.NoError(t, err)
	assert.Equal(t, "lnbcrt1", inv.Encoded)
	assert.Equal(t, int64(50), inv.AmountSats)
	assert.Equal(t, "tip", inv.Memo)
	assert.Equal(t, int64(600), inv.ExpirySeconds)
	assert.Equal(t, 2026, inv.CreatedAt.Year())
}

func TestClientErrorsKeepProviderMessage(t *testing.T) {
	client := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"send failed","message":"leaf is expired"}`)
	})

	_, err := client.PayLightningInvoice(context.Background(), "lnbc1", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leaf is expired")
	assert.True(t, recovery.IsStaleResourceError(err))
}

func TestClientRetriesReadsOn429(t *testing.T) {
	var calls int32
	client := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"sats":7}`)
	})

	balance, err := client.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance.Sats)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientDoesNotRetryWrites(t *testing.T) {
	var calls int32
	client := newSidecar(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Transfer(context.Background(), "sprt1x", 1)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "429"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
