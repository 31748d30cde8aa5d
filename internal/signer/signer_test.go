package signer

import "testing"

const testPrivateKey = "0000000000000000000000000000000000000000000000000000000000000001"

func TestNewChainSignerDerivesAddress(t *testing.T) {
	s, err := NewChainSigner(testPrivateKey, 11155111)
	if err != nil {
		t.Fatalf("NewChainSigner: %v", err)
	}
	if s.Address().Hex() == "0x0000000000000000000000000000000000000000" {
		t.Error("expected non-zero derived address")
	}
	if s.ChainID().Int64() != 11155111 {
		t.Errorf("ChainID = %d", s.ChainID().Int64())
	}
}

func TestNewChainSignerAcceptsHexPrefix(t *testing.T) {
	s1, err := NewChainSigner(testPrivateKey, 1)
	if err != nil {
		t.Fatalf("NewChainSigner: %v", err)
	}
	s2, err := NewChainSigner("0x"+testPrivateKey, 1)
	if err != nil {
		t.Fatalf("NewChainSigner with 0x prefix: %v", err)
	}
	if s1.Address() != s2.Address() {
		t.Error("expected identical addresses regardless of 0x prefix")
	}
}

func TestNewChainSignerRejectsMalformedKey(t *testing.T) {
	if _, err := NewChainSigner("not-hex", 1); err == nil {
		t.Fatal("expected error for malformed private key")
	}
}
