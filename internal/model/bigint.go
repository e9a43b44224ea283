package model

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/holiman/uint256"
)

// ErrUint256Overflow 数值超出 256 位无符号范围
var ErrUint256Overflow = errors.New("value overflows uint256")

// BigInt 256 位无符号整数
//
// 零值即 0。数据库中存为 numeric(78,0)，JSON 中为十进制字符串。
type BigInt struct {
	v uint256.Int
}

// NewBigInt 从 uint64 创建
func NewBigInt(v uint64) BigInt {
	var b BigInt
	b.v.SetUint64(v)
	return b
}

// BigIntFromBig 从 *big.Int 转换，负数或超过 256 位返回错误
func BigIntFromBig(v *big.Int) (BigInt, error) {
	if v == nil {
		return BigInt{}, nil
	}
	if v.Sign() < 0 {
		return BigInt{}, fmt.Errorf("negative value %s: %w", v.String(), ErrUint256Overflow)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return BigInt{}, fmt.Errorf("value %s: %w", v.String(), ErrUint256Overflow)
	}
	return BigInt{v: *u}, nil
}

// ParseBigInt 解析十进制字符串
func ParseBigInt(s string) (BigInt, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return BigInt{}, fmt.Errorf("parse uint256 %q: %w", s, err)
	}
	return BigInt{v: *u}, nil
}

// MustBigInt 解析十进制字符串，失败时 panic，仅用于常量和测试
func MustBigInt(s string) BigInt {
	b, err := ParseBigInt(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Add 精确相加，溢出返回 ErrUint256Overflow
func (b BigInt) Add(other BigInt) (BigInt, error) {
	var sum BigInt
	if _, overflow := sum.v.AddOverflow(&b.v, &other.v); overflow {
		return BigInt{}, ErrUint256Overflow
	}
	return sum, nil
}

// Cmp 比较大小
func (b BigInt) Cmp(other BigInt) int {
	return b.v.Cmp(&other.v)
}

// Equal 判断相等
func (b BigInt) Equal(other BigInt) bool {
	return b.v.Eq(&other.v)
}

// IsZero 是否为 0
func (b BigInt) IsZero() bool {
	return b.v.IsZero()
}

// Big 转为 *big.Int
func (b BigInt) Big() *big.Int {
	return b.v.ToBig()
}

// String 十进制表示
func (b BigInt) String() string {
	return b.v.Dec()
}

// Value 实现 driver.Valuer
func (b BigInt) Value() (driver.Value, error) {
	return b.v.Dec(), nil
}

// Scan 实现 sql.Scanner
func (b *BigInt) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*b = BigInt{}
		return nil
	case string:
		return b.setDecimal(v)
	case []byte:
		return b.setDecimal(string(v))
	case int64:
		if v < 0 {
			return fmt.Errorf("scan negative value %d: %w", v, ErrUint256Overflow)
		}
		*b = NewBigInt(uint64(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into BigInt", src)
	}
}

func (b *BigInt) setDecimal(s string) error {
	parsed, err := ParseBigInt(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalJSON 输出十进制字符串
func (b BigInt) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(b.v.Dec())), nil
}

// UnmarshalJSON 接受带引号的十进制字符串或裸数字
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*b = BigInt{}
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	return b.setDecimal(s)
}
