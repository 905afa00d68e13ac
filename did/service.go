// Package did implements an on-chain DID registry and credential revocation
// registries for the authority network. DIDs are schnorr verification keys
// with support for key rotation; revocation registries are sets of revoked
// credential ids guarded by a OneOf controller policy. Registry updates are
// authorized by a controller signature over a nonce-carrying digest, so a
// captured update cannot be replayed or redirected to another operation.
package did

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/sekmet/sdk"
)

// ServiceName is used for registration on the onet.
const ServiceName = "DIDRegistry"

func init() {
	_, err := onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

// registryIDLength is the required length of a registry id.
const registryIDLength = 32

// didRecord is the persisted state of one DID.
type didRecord struct {
	Verkey kyber.Point
}

// registryRecord is the persisted state of one revocation registry.
type registryRecord struct {
	Policy  Policy
	AddOnly bool
	Nonce   uint64
	Revoked []CredentialID
}

// Service stores DIDs and revocation registries in two bbolt buckets next
// to the conode's database.
type Service struct {
	*onet.ServiceProcessor
	db        *bbolt.DB
	bucketDID []byte
	bucketReg []byte
}

// NewDID registers a DID. The DID must be derived from the verification key
// it is registered with.
func (s *Service) NewDID(req *NewDID) (network.Message, error) {
	if req.Verkey == nil {
		return nil, xerrors.New("missing verification key")
	}
	expected, err := FromPoint(req.Verkey)
	if err != nil {
		return nil, xerrors.Errorf("deriving DID: %v", err)
	}
	if expected != req.DID {
		return nil, xerrors.Errorf("%s is not derived from the given key", req.DID)
	}
	buf, err := protobuf.Encode(&didRecord{Verkey: req.Verkey})
	if err != nil {
		return nil, xerrors.Errorf("encoding record: %v", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucketDID)
		if b.Get([]byte(req.DID)) != nil {
			return xerrors.Errorf("%s is already registered", req.DID)
		}
		return b.Put([]byte(req.DID), buf)
	})
	if err != nil {
		return nil, err
	}
	log.Lvl3("registered", req.DID)
	return &NewDIDResponse{}, nil
}

// RotateKey replaces the verification key of a DID, authorized by a
// signature from the current key.
func (s *Service) RotateKey(req *RotateKey) (network.Message, error) {
	if req.NewVerkey == nil {
		return nil, xerrors.New("missing verification key")
	}
	digest, err := rotationHash(req.DID, req.NewVerkey)
	if err != nil {
		return nil, xerrors.Errorf("hashing rotation: %v", err)
	}
	buf, err := protobuf.Encode(&didRecord{Verkey: req.NewVerkey})
	if err != nil {
		return nil, xerrors.Errorf("encoding record: %v", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucketDID)
		rec, err := s.getDID(b, req.DID)
		if err != nil {
			return err
		}
		if err := schnorr.Verify(sdk.Suite, rec.Verkey, digest, req.Signature); err != nil {
			return xerrors.Errorf("verifying rotation signature: %v", err)
		}
		return b.Put([]byte(req.DID), buf)
	})
	if err != nil {
		return nil, err
	}
	return &RotateKeyResponse{}, nil
}

// ResolveDID returns the current verification key of a DID.
func (s *Service) ResolveDID(req *ResolveDID) (network.Message, error) {
	var rec *didRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = s.getDID(tx.Bucket(s.bucketDID), req.DID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ResolveDIDResponse{Verkey: rec.Verkey}, nil
}

// NewRegistry creates a revocation registry. Every controller must be a
// registered DID.
func (s *Service) NewRegistry(req *NewRegistry) (network.Message, error) {
	if len(req.ID) != registryIDLength {
		return nil, xerrors.Errorf("registry id must be %d bytes", registryIDLength)
	}
	if len(req.Policy.Controllers) == 0 {
		return nil, xerrors.New("refusing to create a registry without controllers")
	}
	buf, err := protobuf.Encode(&registryRecord{
		Policy:  req.Policy,
		AddOnly: req.AddOnly,
	})
	if err != nil {
		return nil, xerrors.Errorf("encoding registry: %v", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		dids := tx.Bucket(s.bucketDID)
		for _, c := range req.Policy.Controllers {
			if _, err := s.getDID(dids, c); err != nil {
				return xerrors.Errorf("controller %s: %v", c, err)
			}
		}
		b := tx.Bucket(s.bucketReg)
		if b.Get(req.ID) != nil {
			return xerrors.New("registry already exists")
		}
		return b.Put(req.ID, buf)
	})
	if err != nil {
		return nil, err
	}
	return &NewRegistryResponse{}, nil
}

// Revoke marks credential ids as revoked.
func (s *Service) Revoke(req *Revoke) (network.Message, error) {
	return s.updateRegistry("revoke", req.Update, req.Signatures,
		func(rec *registryRecord) error {
			for _, id := range req.Update.CredentialIDs {
				if !containsCredential(rec.Revoked, id) {
					rec.Revoked = append(rec.Revoked, id)
				}
			}
			return nil
		})
}

// Unrevoke clears credential ids again, unless the registry is add-only.
func (s *Service) Unrevoke(req *Unrevoke) (network.Message, error) {
	return s.updateRegistry("unrevoke", req.Update, req.Signatures,
		func(rec *registryRecord) error {
			if rec.AddOnly {
				return xerrors.New("registry is add-only")
			}
			for _, id := range req.Update.CredentialIDs {
				rec.Revoked = removeCredential(rec.Revoked, id)
			}
			return nil
		})
}

// RemoveRegistry deletes a registry, unless it is add-only.
func (s *Service) RemoveRegistry(req *RemoveRegistry) (network.Message, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucketReg)
		rec, err := s.getRegistry(b, req.Update.Registry)
		if err != nil {
			return err
		}
		if rec.AddOnly {
			return xerrors.New("registry is add-only")
		}
		err = s.verifyUpdate(tx, "remove", req.Update, req.Signatures, rec)
		if err != nil {
			return err
		}
		return b.Delete(req.Update.Registry)
	})
	if err != nil {
		return nil, err
	}
	return &UpdateRegistryResponse{Nonce: req.Update.Nonce}, nil
}

// GetRegistry returns the policy, flags and nonce of a registry.
func (s *Service) GetRegistry(req *GetRegistry) (network.Message, error) {
	var rec *registryRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = s.getRegistry(tx.Bucket(s.bucketReg), req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &GetRegistryResponse{
		Policy:  rec.Policy,
		AddOnly: rec.AddOnly,
		Nonce:   rec.Nonce,
	}, nil
}

// GetRevocationStatus returns whether a credential id is revoked.
func (s *Service) GetRevocationStatus(req *GetRevocationStatus) (network.Message, error) {
	var revoked bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := s.getRegistry(tx.Bucket(s.bucketReg), req.Registry)
		if err != nil {
			return err
		}
		revoked = containsCredential(rec.Revoked, req.CredentialID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &GetRevocationStatusResponse{Revoked: revoked}, nil
}

func (s *Service) updateRegistry(op string, u RegistryUpdate,
	sigs []PolicySignature, apply func(*registryRecord) error) (network.Message, error) {
	if len(u.CredentialIDs) == 0 {
		return nil, xerrors.New("no credential ids given")
	}
	var nonce uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucketReg)
		rec, err := s.getRegistry(b, u.Registry)
		if err != nil {
			return err
		}
		if err := s.verifyUpdate(tx, op, u, sigs, rec); err != nil {
			return err
		}
		if err := apply(rec); err != nil {
			return err
		}
		rec.Nonce = u.Nonce
		nonce = rec.Nonce
		buf, err := protobuf.Encode(rec)
		if err != nil {
			return xerrors.Errorf("encoding registry: %v", err)
		}
		return b.Put(u.Registry, buf)
	})
	if err != nil {
		return nil, err
	}
	return &UpdateRegistryResponse{Nonce: nonce}, nil
}

// verifyUpdate checks the nonce and requires one valid controller signature
// over the update digest.
func (s *Service) verifyUpdate(tx *bbolt.Tx, op string, u RegistryUpdate,
	sigs []PolicySignature, rec *registryRecord) error {
	if u.Nonce != rec.Nonce+1 {
		return xerrors.Errorf("stale update: nonce %d, registry is at %d",
			u.Nonce, rec.Nonce)
	}
	digest := u.Hash(op)
	dids := tx.Bucket(s.bucketDID)
	for _, sig := range sigs {
		if !rec.Policy.Contains(sig.Signer) {
			continue
		}
		signer, err := s.getDID(dids, sig.Signer)
		if err != nil {
			continue
		}
		if schnorr.Verify(sdk.Suite, signer.Verkey, digest, sig.Signature) == nil {
			return nil
		}
	}
	return xerrors.New("no valid controller signature")
}

func (s *Service) getDID(b *bbolt.Bucket, d DID) (*didRecord, error) {
	buf := b.Get([]byte(d))
	if buf == nil {
		return nil, xerrors.Errorf("%s is not registered", d)
	}
	rec := &didRecord{}
	err := protobuf.DecodeWithConstructors(buf, rec,
		network.DefaultConstructors(sdk.Suite))
	return rec, sdk.ErrorOrNil(err, "decoding record")
}

func (s *Service) getRegistry(b *bbolt.Bucket, id RegistryID) (*registryRecord, error) {
	buf := b.Get(id)
	if buf == nil {
		return nil, xerrors.New("no such registry")
	}
	rec := &registryRecord{}
	err := protobuf.Decode(buf, rec)
	return rec, sdk.ErrorOrNil(err, "decoding registry")
}

func containsCredential(list []CredentialID, id CredentialID) bool {
	for _, c := range list {
		if c.Equal(id) {
			return true
		}
	}
	return false
}

func removeCredential(list []CredentialID, id CredentialID) []CredentialID {
	out := list[:0]
	for _, c := range list {
		if !c.Equal(id) {
			out = append(out, c)
		}
	}
	return out
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
	}
	db, bucketDID := c.GetAdditionalBucket([]byte("did"))
	_, bucketReg := c.GetAdditionalBucket([]byte("registry"))
	s.db = db
	s.bucketDID = bucketDID
	s.bucketReg = bucketReg

	err := s.RegisterHandlers(
		s.NewDID,
		s.RotateKey,
		s.ResolveDID,
		s.NewRegistry,
		s.Revoke,
		s.Unrevoke,
		s.RemoveRegistry,
		s.GetRegistry,
		s.GetRevocationStatus)
	if err != nil {
		log.ErrFatal(err, "couldn't register messages")
	}
	return s, nil
}
