package solana

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcutil/base58"
)

const (
	signatureSize = 64
	// maxPDABump is the first bump seed tried when deriving program addresses.
	maxPDABump = 255
)

// PublicKey is an ed25519 public key or program derived address.
type PublicKey [32]byte

// Programs the gateways build instructions for.
var (
	SystemProgram          = PublicKey{}
	TokenProgram           = mustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgram = mustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

var errShortBuffer = errors.New("unexpected end of data")

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	b := base58.Decode(s)
	if len(b) != len(k) {
		return k, fmt.Errorf("invalid solana address %q", s)
	}
	copy(k[:], b)
	return k, nil
}

func mustPublicKey(s string) PublicKey {
	k, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

// onCurve reports whether b is a valid ed25519 point encoding.
func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// findProgramAddress derives the off-curve address of seeds under program,
// trying bump seeds from 255 down.
func findProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	for bump := maxPDABump; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write([]byte("ProgramDerivedAddress"))
		sum := h.Sum(nil)
		if !onCurve(sum) {
			var k PublicKey
			copy(k[:], sum)
			return k, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, errors.New("no viable program address bump")
}

// AssociatedTokenAddress returns the associated token account of owner for mint.
func AssociatedTokenAddress(owner, mint PublicKey) (PublicKey, error) {
	k, _, err := findProgramAddress([][]byte{owner[:], TokenProgram[:], mint[:]}, AssociatedTokenProgram)
	return k, err
}

// AccountMeta is an account referenced by an instruction.
type AccountMeta struct {
	Key      PublicKey
	Signer   bool
	Writable bool
}

// Instruction is an uncompiled program call.
type Instruction struct {
	Program  PublicKey
	Accounts []AccountMeta
	Data     []byte
}

// SystemTransfer moves lamports between two system accounts.
func SystemTransfer(from, to PublicKey, lamports uint64) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, 2)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return Instruction{
		Program: SystemProgram,
		Accounts: []AccountMeta{
			{Key: from, Signer: true, Writable: true},
			{Key: to, Writable: true},
		},
		Data: data,
	}
}

// TransferChecked moves amount tokens of mint between two token accounts.
func TransferChecked(source, mint, destination, owner PublicKey, amount uint64, decimals uint8) Instruction {
	data := make([]byte, 10)
	data[0] = 12
	binary.LittleEndian.PutUint64(data[1:], amount)
	data[9] = decimals
	return Instruction{
		Program: TokenProgram,
		Accounts: []AccountMeta{
			{Key: source, Writable: true},
			{Key: mint},
			{Key: destination, Writable: true},
			{Key: owner, Signer: true},
		},
		Data: data,
	}
}

// CreateAssociatedTokenAccount creates the associated token account of owner
// for mint, paid by payer. It succeeds when the account already exists.
func CreateAssociatedTokenAccount(payer, account, owner, mint PublicKey) Instruction {
	return Instruction{
		Program: AssociatedTokenProgram,
		Accounts: []AccountMeta{
			{Key: payer, Signer: true, Writable: true},
			{Key: account, Writable: true},
			{Key: owner},
			{Key: mint},
			{Key: SystemProgram},
			{Key: TokenProgram},
		},
		Data: []byte{1}, // CreateIdempotent
	}
}

// compiledInstruction references accounts by index into the message keys.
type compiledInstruction struct {
	ProgramIndex uint8
	Accounts     []uint8
	Data         []byte
}

// Message is a legacy transaction message.
type Message struct {
	NumSigners          uint8
	NumReadonlySigned   uint8
	NumReadonlyUnsigned uint8
	AccountKeys         []PublicKey
	RecentBlockhash     PublicKey
	Instructions        []compiledInstruction
}

// NewMessage compiles instructions paid by feePayer. Accounts are ordered
// writable signers, readonly signers, writable and then readonly others,
// each group in order of first use.
func NewMessage(feePayer PublicKey, blockhash PublicKey, ixs ...Instruction) (*Message, error) {
	type meta struct{ signer, writable bool }
	metas := map[PublicKey]*meta{feePayer: {signer: true, writable: true}}
	order := []PublicKey{feePayer}
	add := func(k PublicKey, signer, writable bool) {
		m, ok := metas[k]
		if !ok {
			m = &meta{}
			metas[k] = m
			order = append(order, k)
		}
		m.signer = m.signer || signer
		m.writable = m.writable || writable
	}
	for _, ix := range ixs {
		for _, a := range ix.Accounts {
			add(a.Key, a.Signer, a.Writable)
		}
		add(ix.Program, false, false)
	}

	msg := &Message{RecentBlockhash: blockhash}
	for _, group := range []struct{ signer, writable bool }{{true, true}, {true, false}, {false, true}, {false, false}} {
		for _, k := range order {
			m := metas[k]
			if m.signer != group.signer || m.writable != group.writable {
				continue
			}
			msg.AccountKeys = append(msg.AccountKeys, k)
			switch {
			case m.signer && !m.writable:
				msg.NumSigners++
				msg.NumReadonlySigned++
			case m.signer:
				msg.NumSigners++
			case !m.writable:
				msg.NumReadonlyUnsigned++
			}
		}
	}
	if len(msg.AccountKeys) > 256 {
		return nil, fmt.Errorf("message references %d accounts", len(msg.AccountKeys))
	}

	index := make(map[PublicKey]uint8, len(msg.AccountKeys))
	for i, k := range msg.AccountKeys {
		index[k] = uint8(i)
	}
	for _, ix := range ixs {
		ci := compiledInstruction{ProgramIndex: index[ix.Program], Data: ix.Data}
		for _, a := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, index[a.Key])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// FeePayer is the first signer.
func (m *Message) FeePayer() PublicKey {
	if len(m.AccountKeys) == 0 {
		return PublicKey{}
	}
	return m.AccountKeys[0]
}

func appendCompactU16(b []byte, n int) []byte {
	for {
		v := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(b, v)
		}
		b = append(b, v|0x80)
	}
}

// Serialize encodes the message in wire format.
func (m *Message) Serialize() []byte {
	b := []byte{m.NumSigners, m.NumReadonlySigned, m.NumReadonlyUnsigned}
	b = appendCompactU16(b, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	b = appendCompactU16(b, len(m.Instructions))
	for _, ix := range m.Instructions {
		b = append(b, ix.ProgramIndex)
		b = appendCompactU16(b, len(ix.Accounts))
		b = append(b, ix.Accounts...)
		b = appendCompactU16(b, len(ix.Data))
		b = append(b, ix.Data...)
	}
	return b
}

// reader decodes wire data.
type reader struct {
	buf []byte
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) compactU16() int {
	n := 0
	for i := 0; i < 3; i++ {
		v := r.u8()
		if r.err != nil {
			return 0
		}
		n |= int(v&0x7f) << (7 * i)
		if v&0x80 == 0 {
			return n
		}
	}
	r.err = errors.New("compact-u16 overflow")
	return 0
}

func (r *reader) key() PublicKey {
	var k PublicKey
	copy(k[:], r.next(len(k)))
	return k
}

// ParseMessage decodes a legacy message.
func ParseMessage(b []byte) (*Message, error) {
	r := &reader{buf: b}
	m, err := r.parseMessage()
	if err != nil {
		return nil, err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", len(r.buf))
	}
	return m, nil
}

func (r *reader) parseMessage() (*Message, error) {
	m := &Message{NumSigners: r.u8(), NumReadonlySigned: r.u8(), NumReadonlyUnsigned: r.u8()}
	if m.NumSigners&0x80 != 0 {
		return nil, errors.New("versioned messages are not supported")
	}
	n := r.compactU16()
	for i := 0; i < n && r.err == nil; i++ {
		m.AccountKeys = append(m.AccountKeys, r.key())
	}
	m.RecentBlockhash = r.key()
	n = r.compactU16()
	for i := 0; i < n && r.err == nil; i++ {
		ix := compiledInstruction{ProgramIndex: r.u8()}
		ix.Accounts = append([]uint8(nil), r.next(r.compactU16())...)
		ix.Data = append([]byte(nil), r.next(r.compactU16())...)
		if r.err == nil && int(ix.ProgramIndex) >= len(m.AccountKeys) {
			return nil, fmt.Errorf("program index %d out of range", ix.ProgramIndex)
		}
		for _, a := range ix.Accounts {
			if int(a) >= len(m.AccountKeys) {
				return nil, fmt.Errorf("account index %d out of range", a)
			}
		}
		m.Instructions = append(m.Instructions, ix)
	}
	if r.err != nil {
		return nil, r.err
	}
	if int(m.NumSigners) == 0 || int(m.NumSigners) > len(m.AccountKeys) ||
		int(m.NumReadonlySigned) > int(m.NumSigners) ||
		int(m.NumSigners)+int(m.NumReadonlyUnsigned) > len(m.AccountKeys) {
		return nil, errors.New("inconsistent message header")
	}
	return m, nil
}

// Transaction is a message with one signature slot per signer.
type Transaction struct {
	Signatures [][signatureSize]byte
	Message    *Message
}

// NewTransaction wraps msg with empty signatures.
func NewTransaction(msg *Message) *Transaction {
	return &Transaction{Signatures: make([][signatureSize]byte, msg.NumSigners), Message: msg}
}

// Serialize encodes the transaction in wire format.
func (t *Transaction) Serialize() []byte {
	b := appendCompactU16(nil, len(t.Signatures))
	for _, s := range t.Signatures {
		b = append(b, s[:]...)
	}
	return append(b, t.Message.Serialize()...)
}

// Signed reports whether every signature slot is filled.
func (t *Transaction) Signed() bool {
	var zero [signatureSize]byte
	for _, s := range t.Signatures {
		if s == zero {
			return false
		}
	}
	return len(t.Signatures) > 0
}

// Unsigned reports whether every signature slot is empty.
func (t *Transaction) Unsigned() bool {
	var zero [signatureSize]byte
	for _, s := range t.Signatures {
		if s != zero {
			return false
		}
	}
	return true
}

// ParseTransaction decodes a wire format legacy transaction.
func ParseTransaction(b []byte) (*Transaction, error) {
	r := &reader{buf: b}
	t := &Transaction{}
	n := r.compactU16()
	for i := 0; i < n && r.err == nil; i++ {
		var s [signatureSize]byte
		copy(s[:], r.next(signatureSize))
		t.Signatures = append(t.Signatures, s)
	}
	if r.err != nil {
		return nil, r.err
	}
	m, err := r.parseMessage()
	if err != nil {
		return nil, err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after transaction", len(r.buf))
	}
	if len(t.Signatures) != int(m.NumSigners) {
		return nil, fmt.Errorf("%d signatures for %d signers", len(t.Signatures), m.NumSigners)
	}
	t.Message = m
	return t, nil
}

// ID is the txid of an unsigned transaction: base58 of the message digest.
func (t *Transaction) ID() string {
	if t.Signed() {
		return base58.Encode(t.Signatures[0][:])
	}
	sum := sha256.Sum256(t.Message.Serialize())
	return base58.Encode(sum[:])
}
