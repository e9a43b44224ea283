package contract

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FactoryABI is the event ABI of the instrument factory.
//
//	event InstrumentCreated(address instrumentAddress);
const FactoryABI = `[
	{
		"type": "event",
		"name": "InstrumentCreated",
		"anonymous": false,
		"inputs": [
			{"name": "instrumentAddress", "type": "address", "indexed": false}
		]
	}
]`

// InstrumentCreatedEvent represents the InstrumentCreated event.
// InstrumentAddress must stay the first field: single-value events are
// copied into field 0.
type InstrumentCreatedEvent struct {
	InstrumentAddress common.Address `json:"instrument_address"`
	Raw               types.Log
}

// FactoryContract decodes events emitted by the instrument factory.
type FactoryContract struct {
	address common.Address
	abi     abi.ABI
}

// NewFactoryContract creates a factory binding for the given address.
func NewFactoryContract(address common.Address) (*FactoryContract, error) {
	parsed, err := parseABI(FactoryABI)
	if err != nil {
		return nil, err
	}
	return &FactoryContract{address: address, abi: parsed}, nil
}

// Address returns the factory address.
func (c *FactoryContract) Address() common.Address {
	return c.address
}

// ABI returns the factory ABI.
func (c *FactoryContract) ABI() abi.ABI {
	return c.abi
}

// InstrumentCreatedEventTopic returns the topic for InstrumentCreated events.
func (c *FactoryContract) InstrumentCreatedEventTopic() common.Hash {
	return c.abi.Events["InstrumentCreated"].ID
}

// ParseInstrumentCreated parses an InstrumentCreated event from a log.
func (c *FactoryContract) ParseInstrumentCreated(log types.Log) (*InstrumentCreatedEvent, error) {
	event := &InstrumentCreatedEvent{Raw: log}
	if err := unpackLog(c.abi, event, "InstrumentCreated", log); err != nil {
		return nil, err
	}
	return event, nil
}
