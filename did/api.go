package did

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"

	"github.com/sekmet/sdk"
)

// Signer holds the keypair controlling a DID.
type Signer struct {
	DID DID
	*key.Pair
}

// NewSigner generates a fresh keypair and derives its DID.
func NewSigner() (*Signer, error) {
	kp := key.NewKeyPair(sdk.Suite)
	d, err := FromPoint(kp.Public)
	if err != nil {
		return nil, xerrors.Errorf("deriving DID: %v", err)
	}
	return &Signer{DID: d, Pair: kp}, nil
}

// RandomRegistryID returns a fresh 32-byte registry id.
func RandomRegistryID() RegistryID {
	return RegistryID(random.Bits(256, true, random.New()))
}

// Client is a structure to communicate with the DID registry service.
type Client struct {
	*onet.Client
	Roster *onet.Roster
}

// NewClient instantiates a new did.Client.
func NewClient(r *onet.Roster) *Client {
	return &Client{
		Client: onet.NewClient(sdk.Suite, ServiceName),
		Roster: r,
	}
}

// Register stores the signer's DID on-chain.
func (c *Client) Register(s *Signer) error {
	reply := &NewDIDResponse{}
	err := c.SendProtobuf(c.Roster.List[0], &NewDID{
		DID:    s.DID,
		Verkey: s.Public,
	}, reply)
	return sdk.ErrorOrNil(err, "registering DID")
}

// Resolve returns the current verification key of a DID.
func (c *Client) Resolve(d DID) (kyber.Point, error) {
	reply := &ResolveDIDResponse{}
	err := c.SendProtobuf(c.Roster.List[0], &ResolveDID{DID: d}, reply)
	return reply.Verkey, sdk.ErrorOrNil(err, "resolving DID")
}

// Rotate replaces the signer's key with a fresh one and updates the signer
// in place on success.
func (c *Client) Rotate(s *Signer) error {
	next := key.NewKeyPair(sdk.Suite)
	digest, err := rotationHash(s.DID, next.Public)
	if err != nil {
		return xerrors.Errorf("hashing rotation: %v", err)
	}
	sig, err := schnorr.Sign(sdk.Suite, s.Private, digest)
	if err != nil {
		return xerrors.Errorf("signing rotation: %v", err)
	}
	reply := &RotateKeyResponse{}
	err = c.SendProtobuf(c.Roster.List[0], &RotateKey{
		DID:       s.DID,
		NewVerkey: next.Public,
		Signature: sig,
	}, reply)
	if err != nil {
		return sdk.ErrorOrNil(err, "rotating key")
	}
	s.Pair = next
	return nil
}

// NewRegistry creates a revocation registry controlled by the given policy.
func (c *Client) NewRegistry(id RegistryID, policy Policy, addOnly bool) error {
	reply := &NewRegistryResponse{}
	err := c.SendProtobuf(c.Roster.List[0], &NewRegistry{
		ID:      id,
		Policy:  policy,
		AddOnly: addOnly,
	}, reply)
	return sdk.ErrorOrNil(err, "creating registry")
}

// Registry returns the policy, flags and nonce of a registry.
func (c *Client) Registry(id RegistryID) (*GetRegistryResponse, error) {
	reply := &GetRegistryResponse{}
	err := c.SendProtobuf(c.Roster.List[0], &GetRegistry{ID: id}, reply)
	return reply, sdk.ErrorOrNil(err, "getting registry")
}

// Revoke marks the credential ids as revoked, signed by one controller.
func (c *Client) Revoke(id RegistryID, creds []CredentialID, signer *Signer) error {
	return c.update("revoke", id, creds, signer,
		func(u RegistryUpdate, sigs []PolicySignature) interface{} {
			return &Revoke{Update: u, Signatures: sigs}
		})
}

// Unrevoke clears the credential ids again. Fails on add-only registries.
func (c *Client) Unrevoke(id RegistryID, creds []CredentialID, signer *Signer) error {
	return c.update("unrevoke", id, creds, signer,
		func(u RegistryUpdate, sigs []PolicySignature) interface{} {
			return &Unrevoke{Update: u, Signatures: sigs}
		})
}

// RemoveRegistry deletes the registry. Fails on add-only registries.
func (c *Client) RemoveRegistry(id RegistryID, signer *Signer) error {
	return c.update("remove", id, nil, signer,
		func(u RegistryUpdate, sigs []PolicySignature) interface{} {
			return &RemoveRegistry{Update: u, Signatures: sigs}
		})
}

// Revoked returns whether the credential id is revoked in the registry.
func (c *Client) Revoked(id RegistryID, cred CredentialID) (bool, error) {
	reply := &GetRevocationStatusResponse{}
	err := c.SendProtobuf(c.Roster.List[0], &GetRevocationStatus{
		Registry:     id,
		CredentialID: cred,
	}, reply)
	return reply.Revoked, sdk.ErrorOrNil(err, "getting revocation status")
}

// update reads the registry nonce, signs the update digest and submits the
// message built by wrap.
func (c *Client) update(op string, id RegistryID, creds []CredentialID,
	signer *Signer, wrap func(RegistryUpdate, []PolicySignature) interface{}) error {
	reg, err := c.Registry(id)
	if err != nil {
		return err
	}
	u := RegistryUpdate{
		Registry:      id,
		CredentialIDs: creds,
		Nonce:         reg.Nonce + 1,
	}
	sig, err := schnorr.Sign(sdk.Suite, signer.Private, u.Hash(op))
	if err != nil {
		return xerrors.Errorf("signing update: %v", err)
	}
	sigs := []PolicySignature{{Signer: signer.DID, Signature: sig}}
	reply := &UpdateRegistryResponse{}
	return sdk.ErrorOrNil(c.SendProtobuf(c.Roster.List[0], wrap(u, sigs), reply), op)
}
