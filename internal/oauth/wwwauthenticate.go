package oauth

import (
	"net/http"
	"strings"
)

// BearerChallenge is the parsed parameter set of a Bearer challenge from
// a WWW-Authenticate header.
type BearerChallenge struct {
	// ResourceMetadata is the resource_metadata parameter pointing at the
	// server's RFC 9728 protected resource metadata document.
	ResourceMetadata string

	// Realm is the realm parameter, if present.
	Realm string

	// Scope is the scope parameter, if present.
	Scope string
}

// ParseBearerChallenge scans the WWW-Authenticate headers of a response
// for a Bearer challenge. Returns nil if none is present.
func ParseBearerChallenge(headers http.Header) *BearerChallenge {
	return ParseBearerChallengeValues(headers.Values("WWW-Authenticate"))
}

// ParseBearerChallengeValues finds the first Bearer challenge among raw
// WWW-Authenticate header values.
func ParseBearerChallengeValues(values []string) *BearerChallenge {
	for _, value := range values {
		for _, ch := range parseChallenges(value) {
			if strings.EqualFold(ch.scheme, "bearer") {
				return &BearerChallenge{
					ResourceMetadata: ch.params["resource_metadata"],
					Realm:            ch.params["realm"],
					Scope:            ch.params["scope"],
				}
			}
		}
	}
	return nil
}

type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenges splits one WWW-Authenticate value into its challenges.
// RFC 7235 allows several challenges in a single header, separated by
// commas, while auth-params inside a challenge are also comma separated,
// so the value has to be lexed rather than split.
//
//	Bearer realm="x", scope="y", resource_metadata="https://..."
//	Basic realm="a", Bearer resource_metadata="https://..."
func parseChallenges(value string) []challenge {
	toks := lexAuthHeader(strings.TrimSpace(value))
	if len(toks) == 0 {
		return nil
	}

	var out []challenge
	var cur *challenge
	for i := 0; i < len(toks); {
		// A scheme token starts a new challenge. A token followed by "="
		// is a parameter key, never a scheme.
		if looksLikeScheme(toks[i]) && (i+1 >= len(toks) || toks[i+1] != "=") {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &challenge{scheme: toks[i], params: make(map[string]string)}
			i++
			continue
		}

		if cur != nil && i+2 < len(toks) && toks[i+1] == "=" {
			cur.params[strings.ToLower(toks[i])] = toks[i+2]
			i += 3
			continue
		}

		// Stray token, skip it.
		i++
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// looksLikeScheme reports whether tok has the shape of an auth-scheme:
// a letter followed by alphanumerics or "-", "+", ".".
func looksLikeScheme(tok string) bool {
	if tok == "" || !isAlpha(tok[0]) {
		return false
	}
	for i := 1; i < len(tok); i++ {
		c := tok[i]
		if !isAlphaNum(c) && c != '-' && c != '+' && c != '.' {
			return false
		}
	}
	return true
}

// lexAuthHeader splits a header value into tokens, quoted strings
// (unquoted, with quoted-pairs resolved) and "=" separators. Commas and
// whitespace are dropped.
func lexAuthHeader(value string) []string {
	var toks []string
	for i := 0; i < len(value); {
		switch c := value[i]; {
		case c == ' ' || c == '\t' || c == ',':
			i++
		case c == '=':
			toks = append(toks, "=")
			i++
		case c == '"':
			str, next := unquote(value, i)
			toks = append(toks, str)
			i = next
		case isTokenChar(c):
			start := i
			for i < len(value) && isTokenChar(value[i]) {
				i++
			}
			toks = append(toks, value[start:i])
		default:
			// Unexpected byte, e.g. "/" inside a token68 blob. Skip it
			// so the lexer always makes progress.
			i++
		}
	}
	return toks
}

// unquote reads a quoted-string starting at i and returns its contents
// plus the index past the closing quote. An unterminated string yields
// whatever was read.
func unquote(s string, i int) (string, int) {
	var b strings.Builder
	for i++; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case s[i] == '"':
			return b.String(), i + 1
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), i
}

// isTokenChar reports whether c is an RFC 7230 tchar.
func isTokenChar(c byte) bool {
	if isAlphaNum(c) {
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

func isAlpha(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isAlphaNum(c byte) bool {
	return isAlpha(c) || (c >= '0' && c <= '9')
}
