package did

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"

	"github.com/sekmet/sdk"
)

var tSuite = suites.MustFind("Ed25519")

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func newTestClient(t *testing.T, local *onet.LocalTest) (*Client, *Service) {
	hosts, roster, _ := local.GenTree(1, true)
	return NewClient(roster), hosts[0].Service(ServiceName).(*Service)
}

func TestClient_Register(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl, service := newTestClient(t, local)

	signer, err := NewSigner()
	require.NoError(t, err)
	require.NoError(t, cl.Register(signer))

	// Same DID twice is rejected.
	require.Error(t, cl.Register(signer))

	// A DID that doesn't match its key is rejected.
	other := key.NewKeyPair(sdk.Suite)
	_, err = service.NewDID(&NewDID{DID: signer.DID, Verkey: other.Public})
	require.Error(t, err)

	pub, err := cl.Resolve(signer.DID)
	require.NoError(t, err)
	require.True(t, pub.Equal(signer.Public))

	_, err = cl.Resolve("did:sdk:unknown")
	require.Error(t, err)
}

func TestClient_Rotate(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl, service := newTestClient(t, local)

	signer, err := NewSigner()
	require.NoError(t, err)
	require.NoError(t, cl.Register(signer))

	before := signer.Public.Clone()
	require.NoError(t, cl.Rotate(signer))

	pub, err := cl.Resolve(signer.DID)
	require.NoError(t, err)
	require.False(t, pub.Equal(before))
	require.True(t, pub.Equal(signer.Public))

	// A rotation signed by the wrong key is rejected.
	next := key.NewKeyPair(sdk.Suite)
	digest, err := rotationHash(signer.DID, next.Public)
	require.NoError(t, err)
	badSig, err := schnorr.Sign(sdk.Suite, next.Private, digest)
	require.NoError(t, err)
	_, err = service.RotateKey(&RotateKey{
		DID:       signer.DID,
		NewVerkey: next.Public,
		Signature: badSig,
	})
	require.Error(t, err)
}

func TestClient_Registry(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl, _ := newTestClient(t, local)

	controller, err := NewSigner()
	require.NoError(t, err)

	id := RandomRegistryID()
	policy := Policy{Controllers: []DID{controller.DID}}

	// Controllers must be registered DIDs.
	require.Error(t, cl.NewRegistry(id, policy, false))
	require.NoError(t, cl.Register(controller))

	require.Error(t, cl.NewRegistry(RegistryID("short"), policy, false))
	require.Error(t, cl.NewRegistry(id, Policy{}, false))
	require.NoError(t, cl.NewRegistry(id, policy, false))
	require.Error(t, cl.NewRegistry(id, policy, false))

	reg, err := cl.Registry(id)
	require.NoError(t, err)
	require.Equal(t, policy, reg.Policy)
	require.Equal(t, uint64(0), reg.Nonce)

	cred := CredentialID(RandomRegistryID())
	revoked, err := cl.Revoked(id, cred)
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, cl.Revoke(id, []CredentialID{cred}, controller))
	revoked, err = cl.Revoked(id, cred)
	require.NoError(t, err)
	require.True(t, revoked)

	reg, err = cl.Registry(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reg.Nonce)

	require.NoError(t, cl.Unrevoke(id, []CredentialID{cred}, controller))
	revoked, err = cl.Revoked(id, cred)
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, cl.RemoveRegistry(id, controller))
	_, err = cl.Registry(id)
	require.Error(t, err)
}

func TestClient_RegistryAuthorization(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl, service := newTestClient(t, local)

	controller, err := NewSigner()
	require.NoError(t, err)
	require.NoError(t, cl.Register(controller))
	stranger, err := NewSigner()
	require.NoError(t, err)
	require.NoError(t, cl.Register(stranger))

	id := RandomRegistryID()
	require.NoError(t, cl.NewRegistry(id,
		Policy{Controllers: []DID{controller.DID}}, false))

	cred := CredentialID(RandomRegistryID())

	// Not a controller.
	require.Error(t, cl.Revoke(id, []CredentialID{cred}, stranger))

	// Stale nonce is rejected.
	u := RegistryUpdate{Registry: id, CredentialIDs: []CredentialID{cred}, Nonce: 5}
	sig, err := schnorr.Sign(sdk.Suite, controller.Private, u.Hash("revoke"))
	require.NoError(t, err)
	_, err = service.Revoke(&Revoke{
		Update:     u,
		Signatures: []PolicySignature{{Signer: controller.DID, Signature: sig}},
	})
	require.Error(t, err)

	// A signature over a different operation doesn't transfer.
	u.Nonce = 1
	sig, err = schnorr.Sign(sdk.Suite, controller.Private, u.Hash("unrevoke"))
	require.NoError(t, err)
	_, err = service.Revoke(&Revoke{
		Update:     u,
		Signatures: []PolicySignature{{Signer: controller.DID, Signature: sig}},
	})
	require.Error(t, err)
}

func TestClient_RegistryAddOnly(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl, _ := newTestClient(t, local)

	controller, err := NewSigner()
	require.NoError(t, err)
	require.NoError(t, cl.Register(controller))

	id := RandomRegistryID()
	require.NoError(t, cl.NewRegistry(id,
		Policy{Controllers: []DID{controller.DID}}, true))

	cred := CredentialID(RandomRegistryID())
	require.NoError(t, cl.Revoke(id, []CredentialID{cred}, controller))

	// Revocations on an add-only registry are forever.
	require.Error(t, cl.Unrevoke(id, []CredentialID{cred}, controller))
	require.Error(t, cl.RemoveRegistry(id, controller))

	revoked, err := cl.Revoked(id, cred)
	require.NoError(t, err)
	require.True(t, revoked)
}
