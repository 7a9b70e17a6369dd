package xrp

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
)

// Hash prefixes of the XRP Ledger.
var (
	prefixSigning     = []byte{'S', 'T', 'X', 0}
	prefixTransaction = []byte{'T', 'X', 'N', 0}
)

const (
	tfFullyCanonicalSig = 0x80000000
	txTypePayment       = 0
	rippleEpoch         = 946684800 // 2000-01-01 in unix seconds
)

// Serialized type codes.
const (
	typeUInt16    = 1
	typeUInt32    = 2
	typeAmount    = 6
	typeBlob      = 7
	typeAccountID = 8
)

// Payment is an XRP payment in rippled JSON form. The field order is the
// canonical unsigned encoding; its sha256 is the unsigned txid.
type Payment struct {
	TransactionType    string  `json:"TransactionType"`
	Account            string  `json:"Account"`
	Destination        string  `json:"Destination"`
	Amount             string  `json:"Amount"`
	Fee                string  `json:"Fee"`
	Flags              uint32  `json:"Flags"`
	Sequence           uint32  `json:"Sequence"`
	LastLedgerSequence uint32  `json:"LastLedgerSequence"`
	DestinationTag     *uint32 `json:"DestinationTag,omitempty"`
	SigningPubKey      string  `json:"SigningPubKey,omitempty"`
	TxnSignature       string  `json:"TxnSignature,omitempty"`
}

// field is one serialized field with its canonical sort key.
type field struct {
	typeCode, fieldCode int
	value               []byte
}

// fieldID encodes the type and field codes into the 1 to 3 byte header.
func fieldID(typeCode, fieldCode int) []byte {
	switch {
	case typeCode < 16 && fieldCode < 16:
		return []byte{byte(typeCode<<4 | fieldCode)}
	case typeCode < 16:
		return []byte{byte(typeCode << 4), byte(fieldCode)}
	case fieldCode < 16:
		return []byte{byte(fieldCode), byte(typeCode)}
	default:
		return []byte{0, byte(typeCode), byte(fieldCode)}
	}
}

// vlPrefix is the variable length prefix of blobs and account ids.
func vlPrefix(n int) ([]byte, error) {
	switch {
	case n <= 192:
		return []byte{byte(n)}, nil
	case n <= 12480:
		n -= 193
		return []byte{byte(193 + n>>8), byte(n)}, nil
	default:
		return nil, fmt.Errorf("blob of %d bytes too long", n)
	}
}

func uint16Field(code int, v uint16) field {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return field{typeUInt16, code, b}
}

func uint32Field(code int, v uint32) field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return field{typeUInt32, code, b}
}

// nativeAmount encodes drops: bit 63 clear (native), bit 62 set (positive).
func nativeAmount(drops string) ([]byte, error) {
	v, err := strconv.ParseUint(drops, 10, 64)
	if err != nil || v > 1e17 {
		return nil, fmt.Errorf("invalid drops amount %q", drops)
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v|0x4000000000000000)
	return b, nil
}

func vlField(typeCode, code int, data []byte) (field, error) {
	prefix, err := vlPrefix(len(data))
	if err != nil {
		return field{}, err
	}
	return field{typeCode, code, append(prefix, data...)}, nil
}

func accountField(code int, address string) (field, error) {
	id, err := wallet.DecodeRippleAddress(address)
	if err != nil {
		return field{}, err
	}
	return vlField(typeAccountID, code, id)
}

func hexBlobField(code int, s string) (field, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return field{}, fmt.Errorf("invalid blob: %w", err)
	}
	return vlField(typeBlob, code, b)
}

// serialize encodes the payment in the binary format. The signature is left
// out of the signing serialization.
func (p *Payment) serialize(signing bool) ([]byte, error) {
	fields := []field{
		uint16Field(2, txTypePayment),
		uint32Field(2, p.Flags),
		uint32Field(4, p.Sequence),
		uint32Field(27, p.LastLedgerSequence),
	}
	if p.DestinationTag != nil {
		fields = append(fields, uint32Field(14, *p.DestinationTag))
	}
	for _, a := range []struct {
		code  int
		drops string
	}{{1, p.Amount}, {8, p.Fee}} {
		b, err := nativeAmount(a.drops)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field{typeAmount, a.code, b})
	}
	if p.SigningPubKey != "" {
		f, err := hexBlobField(3, p.SigningPubKey)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	if p.TxnSignature != "" && !signing {
		f, err := hexBlobField(4, p.TxnSignature)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	for _, a := range []struct {
		code    int
		address string
	}{{1, p.Account}, {3, p.Destination}} {
		f, err := accountField(a.code, a.address)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}

	sort.Slice(fields, func(i, j int) bool {
		if fields[i].typeCode != fields[j].typeCode {
			return fields[i].typeCode < fields[j].typeCode
		}
		return fields[i].fieldCode < fields[j].fieldCode
	})
	var buf bytes.Buffer
	for _, f := range fields {
		buf.Write(fieldID(f.typeCode, f.fieldCode))
		buf.Write(f.value)
	}
	return buf.Bytes(), nil
}

// sha512Half is the first half of SHA-512, the ledger's hash function.
func sha512Half(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)[:32]
}

// signingHash is the digest signed by the account key.
func (p *Payment) signingHash() ([]byte, error) {
	b, err := p.serialize(true)
	if err != nil {
		return nil, err
	}
	return sha512Half(prefixSigning, b), nil
}

// blobID returns the ledger transaction id of a signed blob.
func blobID(blob []byte) string {
	return strings.ToUpper(hex.EncodeToString(sha512Half(prefixTransaction, blob)))
}

func encodePayment(p *Payment) (*gateway.RawTransaction, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment: %w", err)
	}
	sum := sha256.Sum256(b)
	return &gateway.RawTransaction{TxID: hex.EncodeToString(sum[:]), UnsignedRaw: string(b)}, nil
}

func decodePayment(raw string) (*Payment, error) {
	var p Payment
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	if p.TransactionType != "Payment" {
		return nil, fmt.Errorf("%w: transaction type %q", gateway.ErrMalformedRawTx, p.TransactionType)
	}
	if _, err := p.serialize(false); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	return &p, nil
}
