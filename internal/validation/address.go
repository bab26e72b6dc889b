package validation

import (
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/protocol-bank/payroll/types"
)

var evmAddressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsValidEVMAddress accepts 0x-prefixed hex addresses. Mixed-case input must
// carry a correct EIP-55 checksum.
func IsValidEVMAddress(addr string) bool {
	if !evmAddressPattern.MatchString(addr) {
		return false
	}
	hexPart := addr[2:]
	if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
		return true
	}
	return common.HexToAddress(addr).Hex() == addr
}

func IsValidSolanaAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

func IsValidBitcoinAddress(addr string) bool {
	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
	if err != nil {
		return false
	}
	return decoded.IsForNet(&chaincfg.MainNetParams)
}

// DetectAddressKind returns the first address family addr parses as.
func DetectAddressKind(addr string) (types.AddressKind, bool) {
	switch {
	case IsValidEVMAddress(addr):
		return types.AddressEVM, true
	case IsValidBitcoinAddress(addr):
		return types.AddressBitcoin, true
	case IsValidSolanaAddress(addr):
		return types.AddressSolana, true
	}
	return "", false
}

// IsValidAddress checks addr against the chain's address family. An empty
// chain accepts any supported family.
func IsValidAddress(addr string, chain types.ChainID) bool {
	if chain == "" {
		_, ok := DetectAddressKind(addr)
		return ok
	}
	switch chain.AddressKind() {
	case types.AddressSolana:
		return IsValidSolanaAddress(addr)
	case types.AddressBitcoin:
		return IsValidBitcoinAddress(addr)
	default:
		return IsValidEVMAddress(addr)
	}
}

// NormalizeAddress lower-cases EVM addresses; base58 and bech32 addresses
// are returned unchanged.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(strings.ToLower(addr), "0x") {
		return strings.ToLower(addr)
	}
	return addr
}
