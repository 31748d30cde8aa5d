// Package event holds the chain-agnostic representation of an observed
// contract event: its decoded arguments, and the tagged-value union used to
// carry them between the Listener, the Job Store, and the Executor.
package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies the dynamic type carried by an ArgValue.
type Kind string

const (
	KindUint    Kind = "uint"
	KindInt     Kind = "int"
	KindAddress Kind = "address"
	KindBool    Kind = "bool"
	KindBytes   Kind = "bytes"
	KindString  Kind = "string"
)

// ArgValue is a tagged union over the handful of Solidity value categories the
// relayer needs to move between decoding, storage, and ABI re-encoding.
// Integers are arbitrary precision (*big.Int); everything else is a plain Go
// value. Exactly one of the typed fields is meaningful, selected by Kind.
type ArgValue struct {
	Kind    Kind
	Int     *big.Int
	Addr    common.Address
	Bool    bool
	Bytes   []byte
	Str     string
}

func Uint(v *big.Int) ArgValue    { return ArgValue{Kind: KindUint, Int: v} }
func Int(v *big.Int) ArgValue     { return ArgValue{Kind: KindInt, Int: v} }
func Address(a common.Address) ArgValue { return ArgValue{Kind: KindAddress, Addr: a} }
func Bool(b bool) ArgValue        { return ArgValue{Kind: KindBool, Bool: b} }
func Bytes(b []byte) ArgValue     { return ArgValue{Kind: KindBytes, Bytes: b} }
func String(s string) ArgValue    { return ArgValue{Kind: KindString, Str: s} }

// String renders the value the way the destination resolver's event_parameter
// variant compares it against a mapping table: integers and addresses by their
// canonical decimal/hex text, everything else by its natural representation.
func (v ArgValue) String() string {
	switch v.Kind {
	case KindUint, KindInt:
		if v.Int == nil {
			return "0"
		}
		return v.Int.String()
	case KindAddress:
		return strings.ToLower(v.Addr.Hex())
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindBytes:
		return "0x" + hex.EncodeToString(v.Bytes)
	case KindString:
		return v.Str
	default:
		return ""
	}
}

// jsonArgValue is the wire shape stored in the jobs.event_data column.
// Integers are stringified so no precision is lost going through JSON.
type jsonArgValue struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

func (v ArgValue) MarshalJSON() ([]byte, error) {
	var val string
	switch v.Kind {
	case KindUint, KindInt:
		if v.Int == nil {
			val = "0"
		} else {
			val = v.Int.String()
		}
	case KindAddress:
		val = v.Addr.Hex()
	case KindBool:
		if v.Bool {
			val = "true"
		} else {
			val = "false"
		}
	case KindBytes:
		val = "0x" + hex.EncodeToString(v.Bytes)
	case KindString:
		val = v.Str
	}
	return json.Marshal(jsonArgValue{Kind: v.Kind, Value: val})
}

func (v *ArgValue) UnmarshalJSON(data []byte) error {
	var raw jsonArgValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.Kind = raw.Kind
	switch raw.Kind {
	case KindUint, KindInt:
		n, ok := new(big.Int).SetString(raw.Value, 10)
		if !ok {
			return fmt.Errorf("event: invalid big integer %q", raw.Value)
		}
		v.Int = n
	case KindAddress:
		v.Addr = common.HexToAddress(raw.Value)
	case KindBool:
		v.Bool = raw.Value == "true"
	case KindBytes:
		h := strings.TrimPrefix(raw.Value, "0x")
		decoded, err := hex.DecodeString(h)
		if err != nil {
			return fmt.Errorf("event: invalid bytes %q: %w", raw.Value, err)
		}
		v.Bytes = decoded
	case KindString:
		v.Str = raw.Value
	default:
		return fmt.Errorf("event: unknown arg kind %q", raw.Kind)
	}
	return nil
}

// Decoded is the snapshot of a decoded event stored on a Job:
// {name, args, block_number, transaction_index, log_index}.
type Decoded struct {
	Name             string              `json:"name"`
	Args             map[string]ArgValue `json:"args"`
	BlockNumber      uint64              `json:"block_number"`
	TransactionIndex uint                `json:"transaction_index"`
	LogIndex         uint                `json:"log_index"`

	// TxHash and SourceChain are carried alongside for convenience when
	// building a Job; they are not part of the serialised event_data blob
	// since the Job already carries them as top-level columns.
	TxHash      string `json:"-"`
	SourceChain string `json:"-"`
}
