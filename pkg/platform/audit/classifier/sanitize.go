package classifier

import (
	"strings"
	"unicode"
)

// Redacted replaces the value of any sensitive body field.
const Redacted = "[REDACTED]"

// sensitiveTokens are matched against whole words of a field name, alone or
// joined with the following word (card_number, apiKey).
var sensitiveTokens = map[string]bool{
	"password":     true,
	"passwd":       true,
	"passphrase":   true,
	"token":        true,
	"secret":       true,
	"credential":   true,
	"credentials":  true,
	"ssn":          true,
	"cvv":          true,
	"cvc":          true,
	"key":          true,
	"apikey":       true,
	"apitoken":     true,
	"accesstoken":  true,
	"refreshtoken": true,
	"authtoken":    true,
	"privatekey":   true,
	"secretkey":    true,
	"cardnumber":   true,
	"creditcard":   true,
}

// isSensitiveKey splits a field name into words on camelCase, '_', '-' and
// '.' and matches the words, so card_number, cardNumber and card-number are
// treated alike while className or monkey are not.
func isSensitiveKey(key string) bool {
	tokens := keyTokens(key)
	for i, tok := range tokens {
		if sensitiveTokens[tok] {
			return true
		}
		if i+1 < len(tokens) && sensitiveTokens[tok+tokens[i+1]] {
			return true
		}
	}
	return false
}

func keyTokens(key string) []string {
	runes := []rune(key)
	var tokens []string
	start := -1
	flush := func(end int) {
		if start >= 0 && end > start {
			tokens = append(tokens, strings.ToLower(string(runes[start:end])))
		}
		start = -1
	}
	for i, r := range runes {
		if r == '_' || r == '-' || r == '.' || unicode.IsSpace(r) {
			flush(i)
			continue
		}
		if start >= 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush(i)
			}
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(runes))
	return tokens
}

func isEmailKey(key string) bool {
	return strings.Contains(normalizeKey(key), "email")
}

func normalizeKey(key string) string {
	k := strings.ToLower(key)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

// Sanitize returns a deep copy of v with sensitive fields redacted and email
// addresses partially masked. Non-container values are returned unchanged.
func Sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			switch {
			case isSensitiveKey(k):
				out[k] = Redacted
			case isEmailKey(k):
				if s, ok := val.(string); ok {
					out[k] = MaskEmail(s)
				} else {
					out[k] = Sanitize(val)
				}
			default:
				out[k] = Sanitize(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	case string:
		if looksLikeEmail(t) {
			return MaskEmail(t)
		}
		return t
	default:
		return v
	}
}

// MaskEmail keeps the first two characters of the local part and the whole
// domain: john.doe@example.com becomes jo***@example.com.
func MaskEmail(s string) string {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return s
	}
	local, domain := s[:at], s[at:]
	keep := min(2, len(local))
	return local[:keep] + "***" + domain
}

func looksLikeEmail(s string) bool {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " \t\n") {
		return false
	}
	return strings.Contains(s[at+1:], ".")
}
