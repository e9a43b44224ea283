package contract

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// InstrumentABI is the event ABI shared by every instrument instance.
//
//	event PositionCreated(uint256 positionID, address account);
//	event Purchased(address indexed caller, address indexed underlying, uint8 optionType, uint256 amount, uint256 premium, uint256 optionID);
const InstrumentABI = `[
	{
		"type": "event",
		"name": "PositionCreated",
		"anonymous": false,
		"inputs": [
			{"name": "positionID", "type": "uint256", "indexed": false},
			{"name": "account", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Purchased",
		"anonymous": false,
		"inputs": [
			{"name": "caller", "type": "address", "indexed": true},
			{"name": "underlying", "type": "address", "indexed": true},
			{"name": "optionType", "type": "uint8", "indexed": false},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "premium", "type": "uint256", "indexed": false},
			{"name": "optionID", "type": "uint256", "indexed": false}
		]
	}
]`

// PositionCreatedEvent represents the PositionCreated event.
type PositionCreatedEvent struct {
	PositionID *big.Int       `json:"position_id"`
	Account    common.Address `json:"account"`
	Raw        types.Log
}

// PurchasedEvent represents the Purchased event.
type PurchasedEvent struct {
	Caller     common.Address `json:"caller"`
	Underlying common.Address `json:"underlying"`
	OptionType uint8          `json:"option_type"`
	Amount     *big.Int       `json:"amount"`
	Premium    *big.Int       `json:"premium"`
	OptionID   *big.Int       `json:"option_id"`
	Raw        types.Log
}

// InstrumentContract decodes events of the Instrument template. It is not
// bound to an address: the registry decides which emitters are instruments.
type InstrumentContract struct {
	abi abi.ABI
}

// NewInstrumentContract creates an instrument template binding.
func NewInstrumentContract() (*InstrumentContract, error) {
	parsed, err := parseABI(InstrumentABI)
	if err != nil {
		return nil, err
	}
	return &InstrumentContract{abi: parsed}, nil
}

// ABI returns the instrument ABI.
func (c *InstrumentContract) ABI() abi.ABI {
	return c.abi
}

// PositionCreatedEventTopic returns the topic for PositionCreated events.
func (c *InstrumentContract) PositionCreatedEventTopic() common.Hash {
	return c.abi.Events["PositionCreated"].ID
}

// PurchasedEventTopic returns the topic for Purchased events.
func (c *InstrumentContract) PurchasedEventTopic() common.Hash {
	return c.abi.Events["Purchased"].ID
}

// ParsePositionCreated parses a PositionCreated event from a log.
func (c *InstrumentContract) ParsePositionCreated(log types.Log) (*PositionCreatedEvent, error) {
	event := &PositionCreatedEvent{Raw: log}
	if err := unpackLog(c.abi, event, "PositionCreated", log); err != nil {
		return nil, err
	}
	return event, nil
}

// ParsePurchased parses a Purchased event from a log.
func (c *InstrumentContract) ParsePurchased(log types.Log) (*PurchasedEvent, error) {
	event := &PurchasedEvent{Raw: log}
	if err := unpackLog(c.abi, event, "Purchased", log); err != nil {
		return nil, err
	}
	return event, nil
}
