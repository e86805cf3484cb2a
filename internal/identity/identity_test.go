package identity_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/mthdroid/moltpredict-skill/internal/identity"
)

// Well-known throwaway key (hardhat account #0).
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSigner_AddressFromKey(t *testing.T) {
	s, err := identity.NewSigner(testKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	want := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	if s.Address().Hex() != want {
		t.Errorf("address = %s, want %s", s.Address().Hex(), want)
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	s, err := identity.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	payload := "moltpredict/v1 bet market=1 side=true amount=100 request=r1"
	sig, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := identity.Verify(s.Address(), payload, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Lower-case v in {0,1} is accepted too.
	raw := []byte(sig)
	last := strings.ToLower(string(raw[len(raw)-2:]))
	var alt string
	switch last {
	case "1b":
		alt = sig[:len(sig)-2] + "00"
	case "1c":
		alt = sig[:len(sig)-2] + "01"
	default:
		t.Fatalf("unexpected v byte %s", last)
	}
	if err := identity.Verify(s.Address(), payload, alt); err != nil {
		t.Errorf("Verify with v in {0,1}: %v", err)
	}
}

func TestVerify_Rejects(t *testing.T) {
	s, _ := identity.GenerateSigner()
	other, _ := identity.GenerateSigner()
	payload := "moltpredict/v1 claim market=3 request=r2"
	sig, _ := s.Sign(payload)

	if err := identity.Verify(other.Address(), payload, sig); !errors.Is(err, identity.ErrSignerMismatch) {
		t.Errorf("wrong caller err = %v, want ErrSignerMismatch", err)
	}
	if err := identity.Verify(s.Address(), payload+" ", sig); !errors.Is(err, identity.ErrSignerMismatch) {
		t.Errorf("altered payload err = %v, want ErrSignerMismatch", err)
	}
	if err := identity.Verify(s.Address(), payload, "0x1234"); !errors.Is(err, identity.ErrInvalidSignature) {
		t.Errorf("short signature err = %v, want ErrInvalidSignature", err)
	}
	if err := identity.Verify(s.Address(), payload, "not-hex"); !errors.Is(err, identity.ErrInvalidSignature) {
		t.Errorf("non-hex signature err = %v, want ErrInvalidSignature", err)
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := identity.ParseAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"); err != nil {
		t.Errorf("valid address: %v", err)
	}
	for _, bad := range []string{"", "0x12", "zz39Fd6e51aad88F6F4ce6aB8827279cffFb92266", "0x0000000000000000000000000000000000000000"} {
		if _, err := identity.ParseAddress(bad); !errors.Is(err, identity.ErrInvalidAddress) {
			t.Errorf("ParseAddress(%q) err = %v, want ErrInvalidAddress", bad, err)
		}
	}
}
