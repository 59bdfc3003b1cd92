// Package wallet authenticates Ethereum-style wallets. The wallet signs the
// auth message with personal_sign (EIP-191) and the signing address is
// recovered from the signature to confirm it answers for the identifier.
package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is r || s || v.
const SignatureLength = crypto.SignatureLength

// ValidateAddress accepts 0x-prefixed 20-byte hex addresses in any case.
func ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return errors.New("address must start with 0x")
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%q is not a 20-byte hex address", address)
	}
	return nil
}

// MessageHash is the EIP-191 personal message hash of message.
func MessageHash(message string) []byte {
	return accounts.TextHash([]byte(message))
}

// RecoverAddress returns the checksummed address that produced signature
// over message. signature is 0x-hex r || s || v with v either 0/1 or 27/28.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(MessageHash(message), sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
