package wallet

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
)

const slip10Curve = "ed25519 seed"

// ed25519Key is a SLIP-0010 node: a 32-byte key seed and its chain code.
type ed25519Key struct {
	key       []byte
	chainCode []byte
}

func newEd25519Master(seed []byte) *ed25519Key {
	mac := hmac.New(sha512.New, []byte(slip10Curve))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return &ed25519Key{key: sum[:32], chainCode: sum[32:]}
}

// child derives a hardened child. ed25519 has no public derivation.
func (k *ed25519Key) child(index uint32) (*ed25519Key, error) {
	if index < hardened {
		return nil, fmt.Errorf("ed25519 derivation requires hardened index, got %d", index)
	}
	data := make([]byte, 0, 37)
	data = append(data, 0)
	data = append(data, k.key...)
	data = binary.BigEndian.AppendUint32(data, index)

	mac := hmac.New(sha512.New, k.chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)
	return &ed25519Key{key: sum[:32], chainCode: sum[32:]}, nil
}

func (k *ed25519Key) privateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(k.key)
}

// deriveEd25519 walks a fully hardened path from the seed.
func deriveEd25519(seed []byte, path []uint32) (ed25519.PrivateKey, error) {
	node := newEd25519Master(seed)
	for _, idx := range path {
		next, err := node.child(idx)
		if err != nil {
			return nil, err
		}
		node = next
	}
	return node.privateKey(), nil
}
