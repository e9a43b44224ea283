// Package contract provides ABI bindings for the instrument factory and
// instrument template events consumed by the indexer.
package contract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrEventSignatureMismatch = errors.New("event signature mismatch")
	ErrUnknownEvent           = errors.New("unknown event")
	// ErrDecode wraps failures to unpack log data or indexed topics.
	ErrDecode = errors.New("decode log")
)

func parseABI(definition string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}

// unpackLog decodes a log into out: non-indexed fields from log.Data and
// indexed fields from log.Topics[1:].
func unpackLog(contractABI abi.ABI, out interface{}, name string, log types.Log) error {
	event, ok := contractABI.Events[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if len(log.Topics) == 0 || log.Topics[0] != event.ID {
		return fmt.Errorf("%w: expected %s", ErrEventSignatureMismatch, name)
	}

	if len(event.Inputs.NonIndexed()) > 0 {
		if err := contractABI.UnpackIntoInterface(out, name, log.Data); err != nil {
			return fmt.Errorf("%w: unpack %s data: %w", ErrDecode, name, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics)-1 < len(indexed) {
		return fmt.Errorf("%w: not enough topics for %s event", ErrDecode, name)
	}
	if err := abi.ParseTopics(out, indexed, log.Topics[1:]); err != nil {
		return fmt.Errorf("%w: unpack %s topics: %w", ErrDecode, name, err)
	}
	return nil
}

// AddressTopic encodes an address as an indexed topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// HexAddress is the lowercase hex form used for storage keys.
func HexAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
