package ethevent

import (
	"reflect"
	"testing"
)

func TestNormalizeLowercasesAndCanonicalizesHex(t *testing.T) {
	raw := RawLog{
		ChainID:         1,
		BlockNumber:     100,
		BlockHash:       "0xABCDEF",
		TransactionHash: "ABCDEF01",
		LogIndex:        2,
		ContractAddress: "0xDeAdBeEf",
		Topics:          []string{"0xFF00", "AA11"},
		Data:            "0x1234",
	}

	e, err := Normalize(raw, "evt-1", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.BlockHash != "0xabcdef" {
		t.Fatalf("expected lowercased block hash, got %q", e.BlockHash)
	}
	if e.TransactionHash != "0xabcdef01" {
		t.Fatalf("expected canonicalized tx hash, got %q", e.TransactionHash)
	}
	if e.ContractAddress != "0xdeadbeef" {
		t.Fatalf("expected lowercased contract address, got %q", e.ContractAddress)
	}
	if e.Topics[0] != "0xff00" || e.Topics[1] != "0xaa11" {
		t.Fatalf("expected canonicalized topics, got %v", e.Topics)
	}
}

func TestNormalizeRejectsMissingIdentityFields(t *testing.T) {
	cases := []RawLog{
		{ChainID: 0, BlockHash: "0x1", TransactionHash: "0x2"},
		{ChainID: 1, BlockHash: "", TransactionHash: "0x2"},
		{ChainID: 1, BlockHash: "0x1", TransactionHash: ""},
	}
	for i, raw := range cases {
		if _, err := Normalize(raw, "id", 0); err == nil {
			t.Fatalf("case %d: expected error for incomplete identity tuple", i)
		}
	}
}

func TestIdentityKeyIsStableAcrossIdenticalEvents(t *testing.T) {
	a := Event{ChainID: 1, BlockHash: "0xb", TransactionHash: "0xt", LogIndex: 3}
	b := Event{ChainID: 1, BlockHash: "0xb", TransactionHash: "0xt", LogIndex: 3}
	if a.Identity().Key() != b.Identity().Key() {
		t.Fatalf("expected identical events to produce the same identity key")
	}

	c := Event{ChainID: 1, BlockHash: "0xb", TransactionHash: "0xt", LogIndex: 4}
	if a.Identity().Key() == c.Identity().Key() {
		t.Fatalf("expected differing log_index to change the identity key")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	e := Event{
		ID:              "evt-1",
		ChainID:         1,
		BlockNumber:     42,
		BlockHash:       "0xb",
		TransactionHash: "0xt",
		LogIndex:        3,
		ContractAddress: "0xc",
		Topics:          []string{"0x1", "0x2"},
		Data:            "0xdead",
		IngestedAtMs:    123456,
	}

	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, e) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}
