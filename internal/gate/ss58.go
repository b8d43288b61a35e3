package gate

import (
	"bytes"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/blake2b"
)

var ErrInvalidAddress = errors.New("invalid account address")

var ss58Prefix = []byte("SS58PRE")

// DecodeAccountID returns the 32-byte public key behind an SS58 address or a
// 0x-prefixed hex account id.
func DecodeAccountID(address string) ([]byte, error) {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		raw, err := hexutil.Decode("0x" + address[2:])
		if err != nil || len(raw) != 32 {
			return nil, ErrInvalidAddress
		}
		return raw, nil
	}

	raw := base58.Decode(address)
	if len(raw) < 35 {
		return nil, ErrInvalidAddress
	}
	prefixLen := 1
	if raw[0]&0x40 != 0 {
		prefixLen = 2
	}
	if raw[0] >= 128 || len(raw) != prefixLen+32+2 {
		return nil, ErrInvalidAddress
	}

	body := raw[:len(raw)-2]
	if !bytes.Equal(ss58Checksum(body), raw[len(raw)-2:]) {
		return nil, ErrInvalidAddress
	}
	return raw[prefixLen : prefixLen+32], nil
}

func ss58Checksum(body []byte) []byte {
	hasher, _ := blake2b.New512(nil)
	hasher.Write(ss58Prefix)
	hasher.Write(body)
	return hasher.Sum(nil)[:2]
}
