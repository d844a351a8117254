package signing

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestPrivateKeySignerSign(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	signer := NewPrivateKeySigner(sk)

	const kindClientAuthentication = 22242
	event := nostr.Event{
		Kind:      kindClientAuthentication,
		CreatedAt: nostr.Now(),
	}

	signed, err := signer.Sign(context.Background(), event)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if signed.Sig == "" {
		t.Error("expected non-empty signature")
	}
	if signed.ID == "" {
		t.Error("expected non-empty id")
	}
}

func TestAuthPolicies(t *testing.T) {
	if !AllowAll("wss://relay.test", "chal") {
		t.Error("AllowAll should return true")
	}
	if DenyAll("wss://relay.test", "chal") {
		t.Error("DenyAll should return false")
	}
}
