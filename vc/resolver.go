package vc

import (
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/xerrors"

	"github.com/sekmet/sdk/did"
)

// statusPrefix tags credential-status ids that point at an on-chain
// revocation registry.
const statusPrefix = "rev-reg:sdk:"

// RevocationStatusType is the credential-status type handled by this
// package.
const RevocationStatusType = "RevocationRegistryStatus2020"

// NewCredentialStatus builds the credential status pointing at a
// revocation registry.
func NewCredentialStatus(registry did.RegistryID) *CredentialStatus {
	return &CredentialStatus{
		ID:   statusPrefix + base58.Encode(registry),
		Type: RevocationStatusType,
	}
}

func registryFromStatus(cs *CredentialStatus) ([]byte, error) {
	if cs.Type != RevocationStatusType {
		return nil, xerrors.Errorf("unsupported credential status type: %s", cs.Type)
	}
	if !strings.HasPrefix(cs.ID, statusPrefix) {
		return nil, xerrors.Errorf("malformed credential status id: %s", cs.ID)
	}
	registry, err := base58.Decode(strings.TrimPrefix(cs.ID, statusPrefix))
	if err != nil {
		return nil, xerrors.Errorf("decoding registry id: %v", err)
	}
	return registry, nil
}

// DIDResolver resolves verification methods through the DID registry
// service. Only ed25519 keys live in the registry.
type DIDResolver struct {
	Client *did.Client
}

// ResolveKey resolves the DID part of the verification method (everything
// before the fragment) to its current key.
func (r *DIDResolver) ResolveKey(id string) (*PublicKey, error) {
	d := id
	if i := strings.Index(id, "#"); i >= 0 {
		d = id[:i]
	}
	pub, err := r.Client.Resolve(did.DID(d))
	if err != nil {
		return nil, xerrors.Errorf("resolving %s: %v", d, err)
	}
	return &PublicKey{Type: KeyTypeEd25519, Ed25519: pub}, nil
}

// RegistryStatus checks revocation status through the DID registry
// service.
type RegistryStatus struct {
	Client *did.Client
}

// Revoked implements StatusChecker.
func (s *RegistryStatus) Revoked(registry, credential []byte) (bool, error) {
	return s.Client.Revoked(did.RegistryID(registry), did.CredentialID(credential))
}

// StaticResolver maps verification-method ids to keys. Used in tests and
// for offline verification.
type StaticResolver map[string]*PublicKey

// ResolveKey implements Resolver.
func (r StaticResolver) ResolveKey(id string) (*PublicKey, error) {
	pub, ok := r[id]
	if !ok {
		return nil, xerrors.Errorf("unknown verification method: %s", id)
	}
	return pub, nil
}
