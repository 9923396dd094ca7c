package statetoken

import (
	"testing"
	"time"
)

type payload struct {
	Provider     string `json:"provider"`
	CodeVerifier string `json:"code_verifier"`
}

func TestCodec_SignVerifyRoundTrip(t *testing.T) {
	codec := New("super-secret-key-that-is-long-enough")
	in := payload{Provider: "googledrive", CodeVerifier: "abc123"}

	token, err := codec.Sign(in)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var out payload
	if err := codec.Verify(token, DefaultMaxAge, &out); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out != in {
		t.Errorf("expected round-tripped payload %+v, got %+v", in, out)
	}
}

func TestCodec_RejectsTamperedPayload(t *testing.T) {
	codec := New("super-secret-key-that-is-long-enough")
	token, err := codec.Sign(payload{Provider: "googledrive"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := "Z" + token[1:]
	var out payload
	if err := codec.Verify(tampered, DefaultMaxAge, &out); err == nil {
		t.Error("expected tampered token to fail verification")
	}
}

func TestCodec_RejectsWrongSecret(t *testing.T) {
	signer := New("secret-a-that-is-long-enough-too")
	verifier := New("secret-b-that-is-long-enough-too")

	token, err := signer.Sign(payload{Provider: "dropbox"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var out payload
	if err := verifier.Verify(token, DefaultMaxAge, &out); err != ErrSignature {
		t.Errorf("expected ErrSignature, got %v", err)
	}
}

func TestCodec_RejectsExpiredToken(t *testing.T) {
	codec := New("super-secret-key-that-is-long-enough")
	token, err := codec.Sign(payload{Provider: "onedrive"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var out payload
	if err := codec.Verify(token, time.Nanosecond, &out); err != ErrExpired {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestCodec_RejectsMalformedToken(t *testing.T) {
	codec := New("super-secret-key-that-is-long-enough")
	var out payload
	if err := codec.Verify("not-a-valid-token", DefaultMaxAge, &out); err != ErrMalformed {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
