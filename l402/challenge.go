package l402

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ============================================================================
// Payment Challenge
// ============================================================================

// Challenge is a parsed 402 response: what to pay and the credential the
// proof unlocks.
type Challenge struct {
	Macaroon string `json:"macaroon"`
	Invoice  string `json:"invoice"`
	// Source is "header" or "body"
	Source string `json:"source"`
}

// Field-name aliases accepted in JSON challenge bodies, in priority order
var (
	InvoiceAliases  = []string{"invoice", "payment_request", "paymentRequest", "pr", "bolt11"}
	MacaroonAliases = []string{"macaroon", "token", "authToken", "auth_token", "l402_token"}
)

var authParamRe = regexp.MustCompile(`([A-Za-z_]+)\s*=\s*"([^"]*)"`)

// challengeBodySchema requires an object carrying at least one invoice alias
// and one macaroon alias as non-empty strings
var challengeBodySchema = mustSchema(buildChallengeSchema())

func buildChallengeSchema() map[string]interface{} {
	anyOf := func(aliases []string) map[string]interface{} {
		options := make([]interface{}, 0, len(aliases))
		for _, alias := range aliases {
			options = append(options, map[string]interface{}{
				"required": []string{alias},
				"properties": map[string]interface{}{
					alias: map[string]interface{}{"type": "string", "minLength": 1},
				},
			})
		}
		return map[string]interface{}{"anyOf": options}
	}
	return map[string]interface{}{
		"type":  "object",
		"allOf": []interface{}{anyOf(InvoiceAliases), anyOf(MacaroonAliases)},
	}
}

func mustSchema(def map[string]interface{}) *gojsonschema.Schema {
	raw, err := json.Marshal(def)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal challenge schema: %v", err))
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid challenge schema: %v", err))
	}
	return schema
}

// ParseChallenge extracts the challenge from a 402 response. The standard
// WWW-Authenticate header (L402 or the older LSAT scheme) wins; otherwise
// the body must be a JSON object using one of the recognized aliases.
// A missing invoice or macaroon is an error, never defaulted.
func ParseChallenge(header http.Header, body []byte) (Challenge, error) {
	for _, value := range header.Values("WWW-Authenticate") {
		if ch, ok := parseAuthenticateHeader(value); ok {
			return ch, nil
		}
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return Challenge{}, fmt.Errorf("402 response carries no challenge header and an empty body")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return Challenge{}, fmt.Errorf("402 response body is not a JSON object: %w", err)
	}

	result, err := challengeBodySchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Challenge{}, fmt.Errorf("challenge validation failed: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return Challenge{}, fmt.Errorf("challenge is missing a payment instruction or macaroon (%s)", strings.Join(problems, "; "))
	}

	return Challenge{
		Invoice:  firstString(doc, InvoiceAliases),
		Macaroon: firstString(doc, MacaroonAliases),
		Source:   "body",
	}, nil
}

func parseAuthenticateHeader(value string) (Challenge, bool) {
	v := strings.TrimSpace(value)
	lower := strings.ToLower(v)
	if !strings.HasPrefix(lower, "l402 ") && !strings.HasPrefix(lower, "lsat ") {
		return Challenge{}, false
	}

	ch := Challenge{Source: "header"}
	for _, m := range authParamRe.FindAllStringSubmatch(v[5:], -1) {
		switch strings.ToLower(m[1]) {
		case "macaroon", "token":
			ch.Macaroon = m[2]
		case "invoice":
			ch.Invoice = m[2]
		}
	}
	if ch.Macaroon == "" || ch.Invoice == "" {
		return Challenge{}, false
	}
	return ch, true
}

func firstString(doc map[string]interface{}, aliases []string) string {
	for _, alias := range aliases {
		if s, ok := doc[alias].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
