package l402

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

// ============================================================================
// Verification Heuristics
// ============================================================================
//
// Paywalls often verify a payment asynchronously, so the first replay after
// a fresh payment can still be refused or return a placeholder. These
// predicates decide whether a replay response is worth retrying. They are
// heuristics; tune the marker lists rather than the flow that consumes them.

// UnverifiedMarkers are lower-case JSON string values that suggest the
// server has not yet accepted the payment proof
var UnverifiedMarkers = []string{
	"pending",
	"unpaid",
	"unverified",
	"payment required",
	"payment_required",
	"not paid",
	"invalid token",
	"invalid macaroon",
}

// signalFields are top-level fields that mean the proof was not accepted
// when they carry a value. A null, false or empty value is ignored.
var signalFields = []string{"error", "pending"}

// emptyDataFields are top-level fields that, when null or empty, mean the
// server answered without the paid content
var emptyDataFields = []string{"data", "result", "content"}

// LooksUnverified reports whether a replay response looks like the server
// has not yet verified the payment: a non-2xx status, an empty or null
// body, a JSON body carrying a set error or pending field or a marker
// value, or a JSON object whose data field is null or empty.
func LooksUnverified(status int, body []byte) bool {
	if status < 200 || status > 299 {
		return true
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == "{}" {
		return true
	}

	var doc interface{}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		// Non-JSON content is taken at face value.
		return false
	}

	if hasMarkerValue(doc) {
		return true
	}

	obj, ok := doc.(map[string]interface{})
	if !ok {
		return false
	}
	for _, field := range signalFields {
		v, present := obj[field]
		if !present || isEmptyValue(v) || v == false {
			continue
		}
		return true
	}
	for _, field := range emptyDataFields {
		v, present := obj[field]
		if !present {
			continue
		}
		if isEmptyValue(v) {
			return true
		}
	}
	return false
}

// hasMarkerValue walks doc for a string value equal to a marker
func hasMarkerValue(doc interface{}) bool {
	switch t := doc.(type) {
	case string:
		v := strings.ToLower(strings.TrimSpace(t))
		for _, marker := range UnverifiedMarkers {
			if v == marker {
				return true
			}
		}
	case []interface{}:
		for _, item := range t {
			if hasMarkerValue(item) {
				return true
			}
		}
	case map[string]interface{}:
		for _, item := range t {
			if hasMarkerValue(item) {
				return true
			}
		}
	}
	return false
}

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

// CredentialRejected reports whether status signals that the credential
// presented was invalid, expired or already spent
func CredentialRejected(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusPaymentRequired ||
		status == http.StatusForbidden
}

// Authorization builds the Authorization header value for a paid credential
func Authorization(macaroon, preimage string) string {
	return "L402 " + macaroon + ":" + preimage
}
