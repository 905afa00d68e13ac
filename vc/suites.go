package vc

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"

	"github.com/sekmet/sdk"
)

// Supported verification-key types.
const (
	KeyTypeEd25519   = "Ed25519VerificationKey2018"
	KeyTypeSecp256k1 = "EcdsaSecp256k1VerificationKey2019"
)

// Proof types produced by the suites.
const (
	ProofTypeEd25519   = "Ed25519Signature2018"
	ProofTypeSecp256k1 = "EcdsaSecp256k1Signature2019"
)

// suite signs digests and verifies base58-encoded signatures for one key
// type.
type suite interface {
	ProofType() string
	Sign(digest []byte, kp *KeyPair) (string, error)
	Verify(digest []byte, sig string, pub *PublicKey) error
}

func suiteForKeyType(keyType string) (suite, error) {
	switch keyType {
	case KeyTypeEd25519:
		return ed25519Suite{}, nil
	case KeyTypeSecp256k1:
		return secp256k1Suite{}, nil
	}
	return nil, xerrors.Errorf("unsupported key type: %s", keyType)
}

func suiteForProofType(proofType string) (suite, error) {
	switch proofType {
	case ProofTypeEd25519:
		return ed25519Suite{}, nil
	case ProofTypeSecp256k1:
		return secp256k1Suite{}, nil
	}
	return nil, xerrors.Errorf("unsupported proof type: %s", proofType)
}

type ed25519Suite struct{}

func (ed25519Suite) ProofType() string {
	return ProofTypeEd25519
}

func (ed25519Suite) Sign(digest []byte, kp *KeyPair) (string, error) {
	if kp.Ed25519 == nil {
		return "", xerrors.New("key pair has no ed25519 scalar")
	}
	sig, err := schnorr.Sign(sdk.Suite, kp.Ed25519, digest)
	if err != nil {
		return "", xerrors.Errorf("schnorr sign: %v", err)
	}
	return base58.Encode(sig), nil
}

func (ed25519Suite) Verify(digest []byte, sig string, pub *PublicKey) error {
	if pub.Type != KeyTypeEd25519 || pub.Ed25519 == nil {
		return xerrors.Errorf("expected an %s key, got %s", KeyTypeEd25519, pub.Type)
	}
	buf, err := base58.Decode(sig)
	if err != nil {
		return xerrors.Errorf("decoding signature: %v", err)
	}
	if err := schnorr.Verify(sdk.Suite, pub.Ed25519, digest, buf); err != nil {
		return xerrors.Errorf("schnorr verify: %v", err)
	}
	return nil
}

type secp256k1Suite struct{}

func (secp256k1Suite) ProofType() string {
	return ProofTypeSecp256k1
}

func (secp256k1Suite) Sign(digest []byte, kp *KeyPair) (string, error) {
	if kp.Secp256k1 == nil {
		return "", xerrors.New("key pair has no secp256k1 key")
	}
	sig, err := crypto.Sign(digest, kp.Secp256k1)
	if err != nil {
		return "", xerrors.Errorf("secp256k1 sign: %v", err)
	}
	// Drop the recovery byte, verification has the full key.
	return base58.Encode(sig[:64]), nil
}

func (secp256k1Suite) Verify(digest []byte, sig string, pub *PublicKey) error {
	if pub.Type != KeyTypeSecp256k1 || pub.Secp256k1 == nil {
		return xerrors.Errorf("expected an %s key, got %s", KeyTypeSecp256k1, pub.Type)
	}
	buf, err := base58.Decode(sig)
	if err != nil {
		return xerrors.Errorf("decoding signature: %v", err)
	}
	if len(buf) != 64 {
		return xerrors.Errorf("signature is %d bytes, expected 64", len(buf))
	}
	if !crypto.VerifySignature(crypto.CompressPubkey(pub.Secp256k1), digest, buf) {
		return xerrors.New("secp256k1 verify failed")
	}
	return nil
}

// NewEd25519KeyPair generates an ed25519 key pair for the given
// verification-method id and controller.
func NewEd25519KeyPair(id, controller string) *KeyPair {
	kp := key.NewKeyPair(sdk.Suite)
	return &KeyPair{
		ID:         id,
		Controller: controller,
		Type:       KeyTypeEd25519,
		Ed25519:    kp.Private,
	}
}

// NewSecp256k1KeyPair generates a secp256k1 key pair for the given
// verification-method id and controller.
func NewSecp256k1KeyPair(id, controller string) (*KeyPair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Errorf("generating secp256k1 key: %v", err)
	}
	return &KeyPair{
		ID:         id,
		Controller: controller,
		Type:       KeyTypeSecp256k1,
		Secp256k1:  priv,
	}, nil
}

// PublicKey returns the verification key of the pair.
func (kp *KeyPair) PublicKey() *PublicKey {
	pub := &PublicKey{Type: kp.Type}
	if kp.Ed25519 != nil {
		pub.Ed25519 = sdk.Suite.Point().Mul(kp.Ed25519, nil)
	}
	if kp.Secp256k1 != nil {
		pub.Secp256k1 = &kp.Secp256k1.PublicKey
	}
	return pub
}
