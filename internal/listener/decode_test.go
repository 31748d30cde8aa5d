package listener

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polymer-relayer/relayer-core/internal/signature"
)

func TestDecodeLogMixedIndexedAndData(t *testing.T) {
	sig, err := signature.Parse("Transfer(address indexed from, address indexed to, uint256 value)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	uint256Type, _ := abi.NewType("uint256", "", nil)
	packed, err := abi.Arguments{{Name: "value", Type: uint256Type}}.Pack(big.NewInt(42))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	lg := types.Log{
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        packed,
		BlockNumber: 100,
		TxIndex:     1,
		Index:       2,
		TxHash:      common.HexToHash("0xabc"),
	}

	decoded, err := decodeLog(sig, "Transfer", lg, 2)
	if err != nil {
		t.Fatalf("decodeLog: %v", err)
	}
	if decoded.Name != "Transfer" {
		t.Errorf("Name = %q", decoded.Name)
	}
	if decoded.Args["from"].Addr != from {
		t.Errorf("from = %v, want %v", decoded.Args["from"].Addr, from)
	}
	if decoded.Args["to"].Addr != to {
		t.Errorf("to = %v, want %v", decoded.Args["to"].Addr, to)
	}
	if decoded.Args["value"].Int.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("value = %v, want 42", decoded.Args["value"].Int)
	}
	if decoded.BlockNumber != 100 {
		t.Errorf("BlockNumber = %d", decoded.BlockNumber)
	}
	if decoded.LogIndex != 2 {
		t.Errorf("LogIndex = %d, want the supplied filter-local index 2, not the log's block-local index", decoded.LogIndex)
	}
}

func TestDecodeLogAllNonIndexed(t *testing.T) {
	sig, err := signature.Parse("ValueSet(bytes32 key, uint256 value)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	keyType, _ := abi.NewType("bytes32", "", nil)
	valueType, _ := abi.NewType("uint256", "", nil)
	var key [32]byte
	copy(key[:], []byte("test-key"))
	packed, err := abi.Arguments{
		{Name: "key", Type: keyType},
		{Name: "value", Type: valueType},
	}.Pack(key, big.NewInt(7))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	lg := types.Log{
		Topics: []common.Hash{crypto.Keccak256Hash([]byte("ValueSet(bytes32,uint256)"))},
		Data:   packed,
		TxHash: common.HexToHash("0xdef"),
	}

	decoded, err := decodeLog(sig, "ValueSet", lg, 0)
	if err != nil {
		t.Fatalf("decodeLog: %v", err)
	}
	if decoded.Args["value"].Int.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("value = %v, want 7", decoded.Args["value"].Int)
	}
	if string(decoded.Args["key"].Bytes[:8]) != "test-key" {
		t.Errorf("key = %x", decoded.Args["key"].Bytes)
	}
}

func TestDecodeLogTooFewTopics(t *testing.T) {
	sig, err := signature.Parse("Transfer(address indexed from, uint256 value)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	lg := types.Log{
		Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,uint256)"))},
		Data:   nil,
	}
	if _, err := decodeLog(sig, "Transfer", lg, 0); err == nil {
		t.Fatal("expected error for missing indexed topic")
	}
}
