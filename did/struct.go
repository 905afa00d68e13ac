package did

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/mr-tron/base58"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(
		&NewDID{}, &NewDIDResponse{},
		&RotateKey{}, &RotateKeyResponse{},
		&ResolveDID{}, &ResolveDIDResponse{},
		&NewRegistry{}, &NewRegistryResponse{},
		&Revoke{}, &Unrevoke{}, &UpdateRegistryResponse{},
		&RemoveRegistry{},
		&GetRegistry{}, &GetRegistryResponse{},
		&GetRevocationStatus{}, &GetRevocationStatusResponse{},
	)
}

// Method is the DID method name of this registry.
const Method = "sdk"

// DID is a decentralized identifier, derived from the initial verification
// key of its subject.
type DID string

// RegistryID identifies one revocation registry.
type RegistryID []byte

// CredentialID identifies one credential inside a registry.
type CredentialID []byte

// Equal compares two registry ids.
func (id RegistryID) Equal(other RegistryID) bool {
	return bytes.Equal(id, other)
}

// Equal compares two credential ids.
func (id CredentialID) Equal(other CredentialID) bool {
	return bytes.Equal(id, other)
}

// FromPoint derives the DID of a verification key: the method-specific
// identifier is the base58 encoding of the first 16 bytes of the marshalled
// point.
func FromPoint(p kyber.Point) (DID, error) {
	buf, err := p.MarshalBinary()
	if err != nil {
		return "", err
	}
	return DID("did:" + Method + ":" + base58.Encode(buf[:16])), nil
}

// Policy guards registry updates: a OneOf policy is satisfied by a valid
// signature from any one of the controllers.
type Policy struct {
	Controllers []DID
}

// Contains returns true when the DID is one of the controllers.
func (p Policy) Contains(d DID) bool {
	for _, c := range p.Controllers {
		if c == d {
			return true
		}
	}
	return false
}

// PolicySignature is one controller's signature over a registry update.
type PolicySignature struct {
	Signer    DID
	Signature []byte
}

// RegistryUpdate is the signed payload of a revoke, unrevoke or removal.
// Nonce must be exactly one above the registry's last accepted update.
type RegistryUpdate struct {
	Registry      RegistryID
	CredentialIDs []CredentialID
	Nonce         uint64
}

// Hash returns the digest the controllers sign: the operation tag, the
// registry id, the nonce and every credential id in order.
func (u RegistryUpdate) Hash(op string) []byte {
	h := sha256.New()
	h.Write([]byte(op))
	h.Write(u.Registry)
	nonce := make([]byte, 8)
	binary.LittleEndian.PutUint64(nonce, u.Nonce)
	h.Write(nonce)
	for _, id := range u.CredentialIDs {
		h.Write(id)
	}
	return h.Sum(nil)
}

// rotationHash is the digest signed by the current key to authorize a key
// rotation.
func rotationHash(d DID, newKey kyber.Point) ([]byte, error) {
	buf, err := newKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte("rotate"))
	h.Write([]byte(d))
	h.Write(buf)
	return h.Sum(nil), nil
}

// NewDID registers a DID with its verification key. The DID must be derived
// from the key.
type NewDID struct {
	DID    DID
	Verkey kyber.Point
}

// NewDIDResponse is returned when the DID is stored.
type NewDIDResponse struct{}

// RotateKey replaces the verification key of a DID. The signature is made
// by the current key over the rotation digest.
type RotateKey struct {
	DID       DID
	NewVerkey kyber.Point
	Signature []byte
}

// RotateKeyResponse is returned when the rotation is stored.
type RotateKeyResponse struct{}

// ResolveDID looks a DID up.
type ResolveDID struct {
	DID DID
}

// ResolveDIDResponse carries the current verification key.
type ResolveDIDResponse struct {
	Verkey kyber.Point
}

// NewRegistry creates a revocation registry. An add-only registry rejects
// unrevocation and removal forever.
type NewRegistry struct {
	ID      RegistryID
	Policy  Policy
	AddOnly bool
}

// NewRegistryResponse is returned when the registry is stored.
type NewRegistryResponse struct{}

// Revoke marks credential ids as revoked.
type Revoke struct {
	Update     RegistryUpdate
	Signatures []PolicySignature
}

// Unrevoke clears credential ids again. Rejected on add-only registries.
type Unrevoke struct {
	Update     RegistryUpdate
	Signatures []PolicySignature
}

// UpdateRegistryResponse carries the nonce the registry is now at.
type UpdateRegistryResponse struct {
	Nonce uint64
}

// RemoveRegistry deletes a registry. Rejected on add-only registries.
type RemoveRegistry struct {
	Update     RegistryUpdate
	Signatures []PolicySignature
}

// GetRegistry looks a registry up.
type GetRegistry struct {
	ID RegistryID
}

// GetRegistryResponse describes a registry and its last accepted nonce.
type GetRegistryResponse struct {
	Policy  Policy
	AddOnly bool
	Nonce   uint64
}

// GetRevocationStatus asks whether a credential is revoked.
type GetRevocationStatus struct {
	Registry     RegistryID
	CredentialID CredentialID
}

// GetRevocationStatusResponse carries the verdict.
type GetRevocationStatusResponse struct {
	Revoked bool
}
