// Package bolt11 decodes the parts of a BOLT-11 Lightning invoice the engine
// budgets against: network, amount, payment hash, description and expiry.
//
// Signatures are not verified; the wallet provider does that when it pays.
package bolt11

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// DefaultExpiry applies when an invoice carries no expiry field
const DefaultExpiry = time.Hour

const (
	timestampWords = 7
	signatureWords = 104

	maxExpiryWords   = 12
	maxExpirySeconds = uint64(math.MaxInt64 / int64(time.Second))

	fieldPaymentHash = 1
	fieldExpiry      = 6
	fieldDescription = 13
)

// ErrNoAmount is returned by AmountSats for amountless invoices
var ErrNoAmount = errors.New("bolt11: invoice has no amount")

// networks are matched longest-first so "tbs" is not read as "tb" + "s"
var networks = []string{"bcrt", "tbs", "bc", "tb", "sb"}

// Invoice is a decoded BOLT-11 payment request
type Invoice struct {
	Network     string
	AmountMsat  int64
	Timestamp   time.Time
	PaymentHash string
	Description string
	Expiry      time.Duration
}

// HasAmount reports whether the invoice encodes its own amount
func (i *Invoice) HasAmount() bool {
	return i.AmountMsat > 0
}

// AmountSats returns the amount in satoshis, rounded up so a budget check
// never undercounts a millisatoshi invoice.
func (i *Invoice) AmountSats() (int64, error) {
	if !i.HasAmount() {
		return 0, ErrNoAmount
	}
	return (i.AmountMsat + 999) / 1000, nil
}

// ExpiresAt returns when the invoice stops being payable
func (i *Invoice) ExpiresAt() time.Time {
	return i.Timestamp.Add(i.Expiry)
}

// Expired reports whether the invoice has expired at now
func (i *Invoice) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt())
}

// Decode parses an encoded invoice. A "lightning:" URI prefix is accepted.
func Decode(encoded string) (*Invoice, error) {
	s := strings.TrimSpace(encoded)
	if strings.HasPrefix(strings.ToLower(s), "lightning:") {
		s = s[len("lightning:"):]
	}
	if s == "" {
		return nil, fmt.Errorf("bolt11: empty invoice")
	}

	hrp, words, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return nil, fmt.Errorf("bolt11: invalid encoding: %w", err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("bolt11: invalid prefix %q", hrp)
	}

	inv := &Invoice{Expiry: DefaultExpiry}

	rest := hrp[2:]
	for _, n := range networks {
		if strings.HasPrefix(rest, n) {
			inv.Network = n
			rest = rest[len(n):]
			break
		}
	}
	if inv.Network == "" {
		return nil, fmt.Errorf("bolt11: unknown network in prefix %q", hrp)
	}

	inv.AmountMsat, err = parseAmount(rest)
	if err != nil {
		return nil, err
	}

	if len(words) < timestampWords+signatureWords {
		return nil, fmt.Errorf("bolt11: data too short")
	}
	inv.Timestamp = time.Unix(int64(wordsToUint(words[:timestampWords])), 0).UTC()

	fields := words[timestampWords : len(words)-signatureWords]
	for len(fields) >= 3 {
		typ := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		if 3+length > len(fields) {
			return nil, fmt.Errorf("bolt11: truncated field %d", typ)
		}
		value := fields[3 : 3+length]
		fields = fields[3+length:]

		switch typ {
		case fieldPaymentHash:
			// Fields of the wrong length must be skipped, not rejected.
			if length != 52 {
				continue
			}
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("bolt11: invalid payment hash: %w", err)
			}
			inv.PaymentHash = hex.EncodeToString(b)
		case fieldDescription:
			b, err := bech32.ConvertBits(value, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("bolt11: invalid description: %w", err)
			}
			inv.Description = string(b)
		case fieldExpiry:
			// Longer fields cannot be represented in 64 bits.
			if length > maxExpiryWords {
				continue
			}
			secs := wordsToUint(value)
			if secs > maxExpirySeconds {
				secs = maxExpirySeconds
			}
			inv.Expiry = time.Duration(secs) * time.Second
		}
	}

	return inv, nil
}

// parseAmount converts the human-readable amount (e.g. "2500u") to msat.
func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	var factor int64
	var divisor int64 = 1
	digits := s[:len(s)-1]
	switch s[len(s)-1] {
	case 'm':
		factor = 100_000_000
	case 'u':
		factor = 100_000
	case 'n':
		factor = 100
	case 'p':
		factor = 1
		divisor = 10
	default:
		// no multiplier: whole bitcoin
		factor = 100_000_000_000
		digits = s
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bolt11: invalid amount %q", s)
	}
	if divisor > 1 && n%divisor != 0 {
		return 0, fmt.Errorf("bolt11: sub-millisatoshi amount %q", s)
	}
	if n > math.MaxInt64/factor {
		return 0, fmt.Errorf("bolt11: amount %q out of range", s)
	}
	return n * factor / divisor, nil
}

func wordsToUint(words []byte) uint64 {
	var v uint64
	for _, w := range words {
		v = v<<5 | uint64(w)
	}
	return v
}
