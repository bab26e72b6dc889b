package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ChainID identifies a settlement network. EVM networks use their decimal
// chain id, non-EVM networks use a lowercase name.
type ChainID string

const (
	ChainEthereum ChainID = "1"
	ChainPolygon  ChainID = "137"
	ChainBase     ChainID = "8453"
	ChainArbitrum ChainID = "42161"
	ChainOptimism ChainID = "10"
	ChainBSC      ChainID = "56"
	ChainSolana   ChainID = "solana"
	ChainBitcoin  ChainID = "bitcoin"
)

type AddressKind string

const (
	AddressEVM     AddressKind = "evm"
	AddressSolana  AddressKind = "solana"
	AddressBitcoin AddressKind = "bitcoin"
)

func (c ChainID) String() string {
	return string(c)
}

func (c ChainID) IsEVM() bool {
	_, err := strconv.ParseUint(string(c), 10, 64)
	return err == nil
}

func (c ChainID) AddressKind() AddressKind {
	switch c {
	case ChainSolana:
		return AddressSolana
	case ChainBitcoin:
		return AddressBitcoin
	default:
		return AddressEVM
	}
}

// UnmarshalJSON accepts both `137` and `"137"`.
func (c *ChainID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChainID(s)
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chain id %s: %w", string(data), err)
	}
	*c = ChainID(strconv.FormatUint(n, 10))
	return nil
}
