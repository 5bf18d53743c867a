package mockwallet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// InvoiceOptions describes a test invoice
type InvoiceOptions struct {
	Network     string // defaults to "bcrt"
	AmountSats  int64  // 0 produces an amountless invoice
	Description string
	Expiry      time.Duration
	Timestamp   time.Time
	PaymentHash []byte // random when nil
}

// NewInvoice builds a checksum-valid BOLT-11 invoice with a zeroed
// signature. Good enough for decoders; no real node will pay it.
// It returns the encoded invoice and its hex payment hash.
func NewInvoice(opts InvoiceOptions) (string, string) {
	network := opts.Network
	if network == "" {
		network = "bcrt"
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	hash := opts.PaymentHash
	if hash == nil {
		hash = make([]byte, 32)
		if _, err := rand.Read(hash); err != nil {
			panic(err)
		}
	}

	hrp := "ln" + network
	if opts.AmountSats > 0 {
		// 1 sat == 10 nano-bitcoin
		hrp += fmt.Sprintf("%dn", opts.AmountSats*10)
	}

	words := uintToWords(uint64(ts.Unix()), 7)
	words = appendField(words, 1, mustConvert(hash))
	if opts.Description != "" {
		words = appendField(words, 13, mustConvert([]byte(opts.Description)))
	}
	if opts.Expiry > 0 {
		words = appendField(words, 6, uintToWords(uint64(opts.Expiry/time.Second), 0))
	}
	words = append(words, make([]byte, 104)...)

	encoded, err := bech32.Encode(hrp, words)
	if err != nil {
		panic(err)
	}
	return encoded, hex.EncodeToString(hash)
}

// Invoice is NewInvoice for the common case of an amount and a memo
func Invoice(amountSats int64, memo string) string {
	encoded, _ := NewInvoice(InvoiceOptions{AmountSats: amountSats, Description: memo})
	return encoded
}

// PreimageFor derives a deterministic fake preimage for a payment id
func PreimageFor(id string) string {
	sum := sha256.Sum256([]byte("preimage:" + id))
	return hex.EncodeToString(sum[:])
}

func appendField(words []byte, typ byte, value []byte) []byte {
	words = append(words, typ, byte(len(value)>>5), byte(len(value)&31))
	return append(words, value...)
}

func mustConvert(b []byte) []byte {
	out, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		panic(err)
	}
	return out
}

// uintToWords encodes v big-endian in 5-bit words. width 0 means minimal.
func uintToWords(v uint64, width int) []byte {
	var words []byte
	for v > 0 {
		words = append([]byte{byte(v & 31)}, words...)
		v >>= 5
	}
	for len(words) < width {
		words = append([]byte{0}, words...)
	}
	if len(words) == 0 {
		words = []byte{0}
	}
	return words
}
