package collab

import (
	"strings"
	"testing"
)

func TestDecodeReply(t *testing.T) {
	var reply amountReply
	err := decodeReply("peg.collab.token.pegUSD.balance_of", []byte(`{"result":{"amount":"123456789012345678901234567890"}}`), &reply)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Amount != "123456789012345678901234567890" {
		t.Errorf("amount: got %s", reply.Amount)
	}
}

func TestDecodeReply_CollaboratorError(t *testing.T) {
	err := decodeReply("peg.collab.token.pegUSD.transfer", []byte(`{"error":"insufficient balance"}`), nil)
	if err == nil || !strings.Contains(err.Error(), "insufficient balance") {
		t.Errorf("expected collaborator error, got %v", err)
	}
}

func TestDecodeReply_Malformed(t *testing.T) {
	if err := decodeReply("x", []byte(`not json`), nil); err == nil {
		t.Error("expected decode error")
	}
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("balance", "1000000000000000000000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.String() != "1000000000000000000000" {
		t.Errorf("value: got %s", v)
	}

	// Empty means zero: collaborators may omit zero balances.
	v, err = parseAmount("balance", "")
	if err != nil || v.Sign() != 0 {
		t.Errorf("empty amount: got %s, %v", v, err)
	}

	if _, err := parseAmount("balance", "12.5"); err == nil {
		t.Error("fractional amount must be rejected")
	}
	if _, err := parseAmount("balance", "0x10"); err == nil {
		t.Error("hex amount must be rejected")
	}
}
