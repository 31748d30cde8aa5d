package listener

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/polymer-relayer/relayer-core/internal/event"
	"github.com/polymer-relayer/relayer-core/internal/signature"
)

// decodeLog turns a raw log plus its parsed event signature into a Decoded
// event, unpacking non-indexed fields from log.Data via go-ethereum's ABI
// machinery and indexed fields directly from the topics. filterLocalIndex
// is recorded as the event's log index rather than l.Index: l.Index is the
// log's position within its block, not within the Listener's own filtered
// match set, and the queue needs the latter to resolve the receipt's
// absolute log index later.
func decodeLog(sig *signature.Signature, name string, l gethtypes.Log, filterLocalIndex uint) (event.Decoded, error) {
	args := make(map[string]event.ArgValue, len(sig.Params))

	var nonIndexed abi.Arguments
	var indexedParams []signature.Parameter
	for _, p := range sig.Params {
		t, err := abi.NewType(p.Type, "", nil)
		if err != nil {
			return event.Decoded{}, fmt.Errorf("listener: abi type %q for param %q: %w", p.Type, p.Name, err)
		}
		if p.Indexed {
			indexedParams = append(indexedParams, p)
			continue
		}
		nonIndexed = append(nonIndexed, abi.Argument{Name: p.Name, Type: t, Indexed: false})
	}

	topicIdx := 1 // topics[0] is the event signature hash
	for _, p := range indexedParams {
		if topicIdx >= len(l.Topics) {
			return event.Decoded{}, fmt.Errorf("listener: log has fewer topics than indexed params for event %q", name)
		}
		val, err := decodeTopic(p.Type, l.Topics[topicIdx])
		if err != nil {
			return event.Decoded{}, fmt.Errorf("listener: decode topic for %q: %w", p.Name, err)
		}
		args[p.Name] = val
		topicIdx++
	}

	if len(nonIndexed) > 0 {
		values := make(map[string]any)
		if err := nonIndexed.UnpackIntoMap(values, l.Data); err != nil {
			return event.Decoded{}, fmt.Errorf("listener: unpack data for event %q: %w", name, err)
		}
		for _, arg := range nonIndexed {
			av, err := goValueToArgValue(arg.Type.String(), values[arg.Name])
			if err != nil {
				return event.Decoded{}, fmt.Errorf("listener: convert field %q: %w", arg.Name, err)
			}
			args[arg.Name] = av
		}
	}

	return event.Decoded{
		Name:              name,
		Args:              args,
		BlockNumber:       l.BlockNumber,
		TransactionIndex:  l.TxIndex,
		LogIndex:          filterLocalIndex,
		TxHash:            l.TxHash.Hex(),
	}, nil
}

// decodeTopic decodes a single indexed parameter from its raw topic word.
// Dynamic types (string, bytes) are hashed when indexed, so the original
// value cannot be recovered; their topic is surfaced as the raw 32-byte
// hash instead.
func decodeTopic(solType string, topic common.Hash) (event.ArgValue, error) {
	switch {
	case solType == "address":
		return event.Address(common.BytesToAddress(topic.Bytes())), nil
	case solType == "bool":
		return event.Bool(topic.Big().Sign() != 0), nil
	case strings.HasPrefix(solType, "uint"):
		return event.Uint(new(big.Int).Set(topic.Big())), nil
	case strings.HasPrefix(solType, "int"):
		return event.Int(twosComplementFromWord(topic, solType)), nil
	case strings.HasPrefix(solType, "bytes"), solType == "string":
		return event.Bytes(append([]byte(nil), topic.Bytes()...)), nil
	default:
		return event.Bytes(append([]byte(nil), topic.Bytes()...)), nil
	}
}

func twosComplementFromWord(topic common.Hash, solType string) *big.Int {
	bits := 256
	if n, err := strconv.Atoi(strings.TrimPrefix(solType, "int")); err == nil && n > 0 {
		bits = n
	}
	v := new(big.Int).SetBytes(topic.Bytes())
	threshold := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	if v.Cmp(threshold) >= 0 {
		modulus := new(big.Int).Lsh(big.NewInt(1), uint(bits))
		v.Sub(v, modulus)
	}
	return v
}

func goValueToArgValue(solType string, v any) (event.ArgValue, error) {
	switch val := v.(type) {
	case *big.Int:
		if strings.HasPrefix(solType, "int") {
			return event.Int(val), nil
		}
		return event.Uint(val), nil
	case common.Address:
		return event.Address(val), nil
	case bool:
		return event.Bool(val), nil
	case string:
		return event.String(val), nil
	case []byte:
		return event.Bytes(val), nil
	default:
		return decodeFixedBytes(v, solType)
	}
}

// decodeFixedBytes handles solidity bytesN values, which go-ethereum
// represents as fixed-size byte arrays ([32]byte and similar) rather than
// []byte or a named type we can type-switch on directly.
func decodeFixedBytes(v any, solType string) (event.ArgValue, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array || rv.Type().Elem().Kind() != reflect.Uint8 {
		return event.ArgValue{}, fmt.Errorf("unsupported abi value of type %T for solidity type %q", v, solType)
	}
	out := make([]byte, rv.Len())
	reflect.Copy(reflect.ValueOf(out), rv)
	return event.Bytes(out), nil
}
