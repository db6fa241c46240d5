package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Authorization holds the parsed fields of a SIP Authorization header
type Authorization struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Response  string
	Algorithm string
	CNonce    string
	Opaque    string
}

// DigestAuth implements the server side of SIP digest authentication as
// GB28181 devices speak it: MD5, no qop, optional cnonce.
type DigestAuth struct {
	realm string
}

// NewDigestAuth creates a digest authenticator for the given realm
func NewDigestAuth(realm string) *DigestAuth {
	return &DigestAuth{realm: realm}
}

// Challenge builds the WWW-Authenticate header value for a 401 response,
// with a freshly generated nonce.
func (a *DigestAuth) Challenge() string {
	return fmt.Sprintf(`Digest realm="%s", nonce="%s", opaque="", stale=FALSE, algorithm=MD5`,
		a.realm, a.generateNonce())
}

// Verify authenticates the request against the plaintext password.
// Computes HA1 = md5(username:realm:password), HA2 = md5(METHOD:uri) and
// compares md5(HA1:nonce[:cnonce]:HA2) with the supplied response digest.
// A missing or incomplete Authorization header fails verification.
func (a *DigestAuth) Verify(req *sip.Request, password string) bool {
	header := req.GetHeader("Authorization")
	if header == nil {
		return false
	}
	auth, ok := ParseAuthorization(header.Value())
	if !ok {
		return false
	}
	if auth.Username == "" || auth.Realm == "" || auth.URI == "" {
		return false
	}

	ha1 := md5Hex(auth.Username + ":" + auth.Realm + ":" + password)
	ha2 := md5Hex(strings.ToUpper(string(req.Method)) + ":" + auth.URI)

	kd := ha1 + ":" + auth.Nonce
	if auth.CNonce != "" {
		kd += ":" + auth.CNonce
	}
	kd += ":" + ha2

	return md5Hex(kd) == auth.Response
}

// ParseAuthorization parses a Digest authorization header value. Returns
// false when the value does not carry the Digest scheme.
func ParseAuthorization(value string) (Authorization, bool) {
	const scheme = "Digest"
	trimmed := strings.TrimSpace(value)
	if len(trimmed) < len(scheme) || !strings.EqualFold(trimmed[:len(scheme)], scheme) {
		return Authorization{}, false
	}

	var auth Authorization
	for _, param := range splitAuthParams(trimmed[len(scheme):]) {
		key, val, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"`)
		switch strings.ToLower(key) {
		case "username":
			auth.Username = val
		case "realm":
			auth.Realm = val
		case "nonce":
			auth.Nonce = val
		case "uri":
			auth.URI = val
		case "response":
			auth.Response = val
		case "algorithm":
			auth.Algorithm = val
		case "cnonce":
			auth.CNonce = val
		case "opaque":
			auth.Opaque = val
		}
	}
	return auth, true
}

// splitAuthParams splits on commas that are not inside quoted values
func splitAuthParams(s string) []string {
	var params []string
	var current strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			params = append(params, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		params = append(params, current.String())
	}
	return params
}

func (a *DigestAuth) generateNonce() string {
	return md5Hex(uuid.NewString() + strconv.FormatInt(time.Now().UnixNano(), 10))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DigestResponse computes the response digest a client would send for the
// given credentials. Exported for tests and device simulators.
func DigestResponse(username, realm, password, method, uri, nonce, cnonce string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(strings.ToUpper(method) + ":" + uri)
	kd := ha1 + ":" + nonce
	if cnonce != "" {
		kd += ":" + cnonce
	}
	kd += ":" + ha2
	return md5Hex(kd)
}
