package channel

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// Signature computes the expected webhook signature for a request: the
// exact public URL concatenated with every form key and value in sorted
// key order, HMAC-SHA1 keyed by the auth token, base64 encoded.
func Signature(authToken, publicURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(publicURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verifier checks inbound webhook signatures against one endpoint URL.
type Verifier struct {
	authToken string
	publicURL string
}

// NewVerifier builds a Verifier. An empty publicURL disables checking:
// local development has no stable URL for the provider to sign.
func NewVerifier(authToken, publicURL string) *Verifier {
	return &Verifier{authToken: authToken, publicURL: publicURL}
}

// Enabled reports whether signatures are enforced.
func (v *Verifier) Enabled() bool {
	return v.publicURL != "" && v.authToken != ""
}

// Verify reports whether signature matches the form payload. With
// verification disabled every payload passes; otherwise a missing or
// mismatched signature fails. The comparison is constant time.
func (v *Verifier) Verify(signature string, form url.Values) bool {
	if !v.Enabled() {
		return true
	}
	if signature == "" {
		return false
	}
	expected := Signature(v.authToken, v.publicURL, form)
	return hmac.Equal([]byte(signature), []byte(expected))
}
