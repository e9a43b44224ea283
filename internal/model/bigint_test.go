package model

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxUint256 = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

// TestBigInt_Add 测试精确加法
func TestBigInt_Add(t *testing.T) {
	a := MustBigInt("1000000000000000000000")
	b := NewBigInt(5)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000005", sum.String())

	// 原值不变
	assert.Equal(t, "1000000000000000000000", a.String())
}

// TestBigInt_AddOverflow 测试溢出检测
func TestBigInt_AddOverflow(t *testing.T) {
	maxVal := MustBigInt(maxUint256)

	_, err := maxVal.Add(NewBigInt(1))
	assert.ErrorIs(t, err, ErrUint256Overflow)

	sum, err := maxVal.Add(BigInt{})
	require.NoError(t, err)
	assert.True(t, sum.Equal(maxVal))
}

// TestBigIntFromBig 测试从 big.Int 转换
func TestBigIntFromBig(t *testing.T) {
	v, err := BigIntFromBig(big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, "42", v.String())

	_, err = BigIntFromBig(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrUint256Overflow)

	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = BigIntFromBig(tooBig)
	assert.ErrorIs(t, err, ErrUint256Overflow)

	zero, err := BigIntFromBig(nil)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}

// TestParseBigInt 测试解析
func TestParseBigInt(t *testing.T) {
	v, err := ParseBigInt(maxUint256)
	require.NoError(t, err)
	assert.Equal(t, maxUint256, v.String())
	assert.Equal(t, maxUint256, v.Big().String())

	_, err = ParseBigInt("abc")
	assert.Error(t, err)
}

// TestBigInt_ValueScan 测试数据库读写
func TestBigInt_ValueScan(t *testing.T) {
	v := MustBigInt("123456789012345678901234567890")
	dv, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", dv)

	var fromString BigInt
	require.NoError(t, fromString.Scan("123456789012345678901234567890"))
	assert.True(t, fromString.Equal(v))

	var fromBytes BigInt
	require.NoError(t, fromBytes.Scan([]byte("7")))
	assert.Equal(t, "7", fromBytes.String())

	var fromInt BigInt
	require.NoError(t, fromInt.Scan(int64(9)))
	assert.Equal(t, "9", fromInt.String())

	fromNil := NewBigInt(3)
	require.NoError(t, fromNil.Scan(nil))
	assert.True(t, fromNil.IsZero())

	var bad BigInt
	assert.Error(t, bad.Scan(int64(-1)))
	assert.Error(t, bad.Scan(1.5))
}

// TestBigInt_JSON 测试 JSON 编解码
func TestBigInt_JSON(t *testing.T) {
	type wrapper struct {
		Cost BigInt `json:"cost"`
	}

	data, err := json.Marshal(wrapper{Cost: MustBigInt("100000000000000000000")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cost":"100000000000000000000"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"cost":"15"}`), &w))
	assert.Equal(t, "15", w.Cost.String())

	require.NoError(t, json.Unmarshal([]byte(`{"cost":16}`), &w))
	assert.Equal(t, "16", w.Cost.String())
}

// TestBigInt_Cmp 测试比较
func TestBigInt_Cmp(t *testing.T) {
	assert.Equal(t, -1, NewBigInt(1).Cmp(NewBigInt(2)))
	assert.Equal(t, 0, NewBigInt(2).Cmp(NewBigInt(2)))
	assert.Equal(t, 1, NewBigInt(3).Cmp(NewBigInt(2)))
}
