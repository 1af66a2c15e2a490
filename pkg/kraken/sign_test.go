package kraken

import (
	"net/url"
	"testing"
)

func TestSignKnownVector(t *testing.T) {
	// Recorded known-good vector: the AddOrder signing example from the
	// exchange's API documentation.
	secret := "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
	params := url.Values{}
	params.Set("nonce", "1616492376594")
	params.Set("ordertype", "limit")
	params.Set("pair", "XBTUSD")
	params.Set("price", "37500")
	params.Set("type", "buy")
	params.Set("volume", "1.25")

	want := "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="

	got, err := Sign("/0/private/AddOrder", params, secret)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}

	// Signing must be deterministic.
	again, err := Sign("/0/private/AddOrder", params, secret)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if again != got {
		t.Errorf("repeated signing produced a different signature")
	}
}

func TestSignRejectsBadSecret(t *testing.T) {
	params := url.Values{}
	params.Set("nonce", "1616492376594")

	tests := []struct {
		name   string
		secret string
	}{
		{"not base64", "!!! definitely not base64 !!!"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Sign("/0/private/Balance", params, tt.secret); err != ErrInvalidSecret {
				t.Errorf("expected ErrInvalidSecret, got %v", err)
			}
		})
	}
}
