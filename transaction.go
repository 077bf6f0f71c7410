package ckvd

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Op is a transaction's operation kind (§3).
type Op uint8

const (
	// OpSet records a write: a key and its new payload.
	OpSet Op = 1
	// OpDelete records a tombstone: a key with no payload.
	OpDelete Op = 2
)

func (op Op) String() string {
	switch op {
	case OpSet:
		return "SET"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", op)
	}
}

// transactionSignature is the two leading bytes of every transaction's
// wire encoding (§4.2).
var transactionSignature = [2]byte{'T', ';'}

// Transaction is one atomic mutation record: a key, an operation, a
// timestamp, and for [OpSet], a payload with its hash (§3, §4.2).
type Transaction struct {
	Key         Key
	Op          Op
	TimestampMs float64
	Payload     []byte // nil for OpDelete
	PayloadHash uint32
}

// NewSetTransaction creates a SET transaction, encoding value with the
// value codec (§4.2 `create`). tsMs is milliseconds since epoch.
func NewSetTransaction(key Key, value any, tsMs float64) (Transaction, error) {
	payload, err := encodeValue(value)
	if err != nil {
		return Transaction{}, err
	}

	return Transaction{
		Key:         key,
		Op:          OpSet,
		TimestampMs: tsMs,
		Payload:     payload,
		PayloadHash: murmur3X86_32(payload),
	}, nil
}

// NewDeleteTransaction creates a DELETE transaction, which carries no
// payload (§4.2 `create`).
func NewDeleteTransaction(key Key, tsMs float64) Transaction {
	return Transaction{Key: key, Op: OpDelete, TimestampMs: tsMs}
}

// transactionHeader is the decoded form of a transaction's HEADER section
// (§4.2), kept separate from [Transaction] so [decodeTransactionHeader]
// can be used for a header-only read without paying for data.
type transactionHeader struct {
	Key         Key
	Op          Op
	TimestampMs float64
	PayloadHash uint32

	// totalLen is the full on-wire length of the transaction (signature
	// through the end of DATA), needed by the ledger to advance its scan
	// cursor.
	totalLen int
	// dataLen is the length of the DATA section alone.
	dataLen int
}

// Encode serializes tx into its complete wire form (§4.2 `encode`):
// signature, hdr_len, data_len, HEADER, DATA. hdr_len excludes the
// signature and length fields; data_len is the length of DATA alone.
func (tx Transaction) Encode() []byte {
	keyBytes := tx.Key.ToBytes()

	// HEADER = key_len(4) + key_bytes + op(1) + ts(8) + hash(4)
	hdrLen := 4 + len(keyBytes) + 1 + 8 + 4
	dataLen := len(tx.Payload)

	buf := make([]byte, 0, 2+4+4+hdrLen+dataLen)

	buf = append(buf, transactionSignature[0], transactionSignature[1])
	buf = appendUint32(buf, uint32(hdrLen))
	buf = appendUint32(buf, uint32(dataLen))

	buf = appendUint32(buf, uint32(len(keyBytes)))
	buf = append(buf, keyBytes...)
	buf = append(buf, byte(tx.Op))
	buf = appendFloat64(buf, tx.TimestampMs)
	buf = appendUint32(buf, tx.PayloadHash)

	buf = append(buf, tx.Payload...)

	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)

	return append(buf, b...)
}

func appendFloat64(buf []byte, v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))

	return append(buf, b...)
}

// decodeTransactionPreamble reads just the 2-byte signature and the two
// u32 length fields from the start of b, used by the ledger's
// error-correction scan to locate candidate transaction boundaries before
// committing to a full header decode.
func decodeTransactionPreamble(b []byte) (hdrLen, dataLen uint32, ok bool) {
	if len(b) < 10 {
		return 0, 0, false
	}

	if b[0] != transactionSignature[0] || b[1] != transactionSignature[1] {
		return 0, 0, false
	}

	return binary.BigEndian.Uint32(b[2:6]), binary.BigEndian.Uint32(b[6:10]), true
}

// decodeTransactionHeader decodes the HEADER section (the hdrLen bytes
// following the 10-byte preamble). Any trailing byte beyond the key's
// fixed-size tail fields is a [ErrBadTransaction] (§4.2 `decode_header`).
func decodeTransactionHeader(hdrBytes []byte, hdrLen, dataLen uint32) (transactionHeader, error) {
	if len(hdrBytes) < 4 {
		return transactionHeader{}, fmt.Errorf("%w: truncated header: missing key_len", ErrBadTransaction)
	}

	keyLen := int(binary.BigEndian.Uint32(hdrBytes[0:4]))
	if 4+keyLen > len(hdrBytes) {
		return transactionHeader{}, fmt.Errorf("%w: truncated header: missing key bytes", ErrBadTransaction)
	}

	key, n, err := KeyFromBytes(hdrBytes[4 : 4+keyLen])
	if err != nil {
		return transactionHeader{}, fmt.Errorf("%w: decoding key: %w", ErrBadTransaction, err)
	}

	if n != keyLen {
		return transactionHeader{}, fmt.Errorf(
			"%w: key_len=%d but key encoding consumed %d bytes", ErrBadTransaction, keyLen, n,
		)
	}

	tailStart := 4 + keyLen
	tailSize := 1 + 8 + 4

	if tailStart+tailSize != len(hdrBytes) {
		return transactionHeader{}, fmt.Errorf(
			"%w: header length mismatch: consumed %d of %d bytes",
			ErrBadTransaction, tailStart+tailSize, len(hdrBytes),
		)
	}

	op := Op(hdrBytes[tailStart])
	if op != OpSet && op != OpDelete {
		return transactionHeader{}, fmt.Errorf("%w: unknown op %d", ErrBadTransaction, op)
	}

	ts := math.Float64frombits(binary.BigEndian.Uint64(hdrBytes[tailStart+1 : tailStart+9]))
	hash := binary.BigEndian.Uint32(hdrBytes[tailStart+9 : tailStart+13])

	return transactionHeader{
		Key:         key,
		Op:          op,
		TimestampMs: ts,
		PayloadHash: hash,
		dataLen:     int(dataLen),
		totalLen:    10 + int(hdrLen) + int(dataLen),
	}, nil
}

// decodeTransactionData verifies data's hash against the header using
// algo, then returns the fully decoded [Transaction] (§4.2 `decode_data`).
// A legacy ledger version selects [hashAlgoFaultyLegacy]; current ledgers
// use [hashAlgoCanonical] (§9).
func decodeTransactionData(hdr transactionHeader, data []byte, algo hashAlgo) (Transaction, error) {
	if hdr.Op == OpSet {
		gotHash := hashPayload(algo, data)
		if gotHash != hdr.PayloadHash {
			return Transaction{}, fmt.Errorf(
				"%w: hash mismatch: got %#x, want %#x", ErrBadTransaction, gotHash, hdr.PayloadHash,
			)
		}
	}

	return Transaction{
		Key:         hdr.Key,
		Op:          hdr.Op,
		TimestampMs: hdr.TimestampMs,
		Payload:     data,
		PayloadHash: hdr.PayloadHash,
	}, nil
}
