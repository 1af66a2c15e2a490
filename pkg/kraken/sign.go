package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"net/url"
)

// ErrInvalidSecret is returned when the API secret is not valid base64 or
// decodes to zero length.
var ErrInvalidSecret = errors.New("kraken: API secret is not valid base64")

// Sign computes the API-Sign header value for a private endpoint call.
//
// The exchange verifies HMAC-SHA512(path || SHA256(nonce || postdata))
// keyed with the base64-decoded secret, where postdata is the exact
// URL-encoded body that is transmitted. Both the signature and the request
// body therefore use params.Encode() so the two can never drift apart.
func Sign(path string, params url.Values, secretBase64 string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretBase64)
	if err != nil || len(secret) == 0 {
		return "", ErrInvalidSecret
	}

	postData := params.Encode()
	digest := sha256.Sum256([]byte(params.Get("nonce") + postData))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
