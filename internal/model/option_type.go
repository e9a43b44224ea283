package model

// OptionType 期权类型，值由合约定义，这里只做透传
type OptionType uint8

const (
	OptionTypeInvalid OptionType = 0
	OptionTypePut     OptionType = 1
	OptionTypeCall    OptionType = 2
)

func (t OptionType) String() string {
	switch t {
	case OptionTypeInvalid:
		return "INVALID"
	case OptionTypePut:
		return "PUT"
	case OptionTypeCall:
		return "CALL"
	default:
		return "UNKNOWN"
	}
}
