package gate

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var errScaleEOF = errors.New("scale: unexpected end of input")

// RPCOracle reads the Humanode validator set over substrate JSON-RPC.
type RPCOracle struct {
	client *rpc.Client
}

func DialRPCOracle(ctx context.Context, url string) (*RPCOracle, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial humanode rpc: %w", err)
	}
	return &RPCOracle{client: client}, nil
}

func (o *RPCOracle) Close() {
	o.client.Close()
}

// IsActiveHumanNode reports whether address is in Session.Validators and,
// when ImOnline data exists for the current session, has shown liveness.
func (o *RPCOracle) IsActiveHumanNode(ctx context.Context, address string) (bool, error) {
	subject, err := DecodeAccountID(address)
	if err != nil {
		return false, err
	}

	raw, err := o.getStorage(ctx, storageKey("Session", "Validators"))
	if err != nil {
		return false, err
	}
	validators, err := decodeAccountIDs(raw)
	if err != nil {
		return false, err
	}
	found := false
	for _, validator := range validators {
		if bytes.Equal(validator, subject) {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	raw, err = o.getStorage(ctx, storageKey("Session", "CurrentIndex"))
	if err != nil {
		return false, err
	}
	if len(raw) < 4 {
		return true, nil
	}
	session := raw[:4]

	heartbeatKey := storageKey("ImOnline", "ReceivedHeartbeats")
	heartbeatKey = append(heartbeatKey, twox64Concat(session)...)
	heartbeatKey = append(heartbeatKey, twox64Concat(subject)...)
	authoredKey := append(storageKey("ImOnline", "AuthoredBlocks"), twox64Concat(subject)...)

	// Liveness lookups are best effort; a failed read counts as absent.
	heartbeat, heartbeatErr := o.getStorage(ctx, heartbeatKey)
	authored, authoredErr := o.getStorage(ctx, authoredKey)
	if heartbeatErr != nil {
		heartbeat = nil
	}
	if authoredErr != nil {
		authored = nil
	}
	if heartbeat == nil && authored == nil {
		return true, nil
	}
	if len(heartbeat) > 0 && heartbeat[0] != 0 {
		return true, nil
	}
	return len(authored) >= 4 && binary.LittleEndian.Uint32(authored) > 0, nil
}

// getStorage returns nil when the key holds no value.
func (o *RPCOracle) getStorage(ctx context.Context, key []byte) ([]byte, error) {
	var result *string
	if err := o.client.CallContext(ctx, &result, "state_getStorage", hexutil.Encode(key)); err != nil {
		return nil, fmt.Errorf("state_getStorage: %w", err)
	}
	if result == nil || *result == "0x" || *result == "" {
		return nil, nil
	}
	raw, err := hexutil.Decode(*result)
	if err != nil {
		return nil, fmt.Errorf("decode storage value: %w", err)
	}
	return raw, nil
}

// storageKey is twox128(pallet) ++ twox128(item).
func storageKey(pallet, item string) []byte {
	key := make([]byte, 0, 32)
	key = append(key, twox128([]byte(pallet))...)
	return append(key, twox128([]byte(item))...)
}

func twox128(data []byte) []byte {
	out := make([]byte, 0, 16)
	for seed := uint64(0); seed < 2; seed++ {
		digest := xxhash.NewWithSeed(seed)
		_, _ = digest.Write(data)
		out = binary.LittleEndian.AppendUint64(out, digest.Sum64())
	}
	return out
}

func twox64Concat(data []byte) []byte {
	out := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(data)), xxhash.Sum64(data))
	return append(out, data...)
}

func decodeAccountIDs(raw []byte) ([][]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	length, offset, err := readCompact(raw)
	if err != nil {
		return nil, err
	}
	accounts := make([][]byte, 0, length)
	for i := 0; i < length; i++ {
		end := offset + 32
		if end > len(raw) {
			return nil, errScaleEOF
		}
		accounts = append(accounts, raw[offset:end])
		offset = end
	}
	return accounts, nil
}

// readCompact decodes a SCALE compact integer that fits in 30 bits.
func readCompact(raw []byte) (int, int, error) {
	if len(raw) == 0 {
		return 0, 0, errScaleEOF
	}
	switch raw[0] & 0x03 {
	case 0:
		return int(raw[0] >> 2), 1, nil
	case 1:
		if len(raw) < 2 {
			return 0, 0, errScaleEOF
		}
		return int(binary.LittleEndian.Uint16(raw) >> 2), 2, nil
	case 2:
		if len(raw) < 4 {
			return 0, 0, errScaleEOF
		}
		return int(binary.LittleEndian.Uint32(raw) >> 2), 4, nil
	default:
		return 0, 0, errors.New("scale: big-integer compact not supported")
	}
}
