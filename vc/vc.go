// Package vc issues and verifies W3C verifiable credentials and
// presentations. All cryptography is a pass-through to the signature
// suites; this package only canonicalizes payloads, attaches proofs and
// resolves verification keys through a Resolver collaborator. Proofs are
// digest-and-sign over the canonical JSON form, not JSON-LD proofs.
package vc

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"time"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// DefaultContext is the base JSON-LD context of every credential and
// presentation.
const DefaultContext = "https://www.w3.org/2018/credentials/v1"

// Resolver resolves a verification method to its current public key,
// typically through a DID registry.
type Resolver interface {
	ResolveKey(id string) (*PublicKey, error)
}

// StatusChecker reports whether a credential id is revoked in a registry.
type StatusChecker interface {
	Revoked(registry, credential []byte) (bool, error)
}

// CredentialStatus points at the revocation registry entry of a
// credential.
type CredentialStatus struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Proof is the signature attached to a credential or presentation.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	Challenge          string `json:"challenge,omitempty"`
	Domain             string `json:"domain,omitempty"`
	SignatureValue     string `json:"signatureValue"`
}

// Credential is a verifiable credential. CredentialSubject is carried
// opaquely.
type Credential struct {
	Context           []string          `json:"@context"`
	ID                string            `json:"id,omitempty"`
	Type              []string          `json:"type"`
	Issuer            string            `json:"issuer"`
	IssuanceDate      string            `json:"issuanceDate"`
	CredentialSubject json.RawMessage   `json:"credentialSubject"`
	CredentialStatus  *CredentialStatus `json:"credentialStatus,omitempty"`
	Proof             *Proof            `json:"proof,omitempty"`
}

// Presentation wraps credentials for a holder.
type Presentation struct {
	Context              []string      `json:"@context"`
	ID                   string        `json:"id,omitempty"`
	Type                 []string      `json:"type"`
	Holder               string        `json:"holder,omitempty"`
	VerifiableCredential []*Credential `json:"verifiableCredential"`
	Proof                *Proof        `json:"proof,omitempty"`
}

// KeyPair describes a signing key: its verification-method id, the
// controller it belongs to, its type and the private material of exactly
// one suite.
type KeyPair struct {
	ID         string
	Controller string
	Type       string

	Ed25519   kyber.Scalar
	Secp256k1 *ecdsa.PrivateKey
}

// PublicKey is the resolved key of a verification method.
type PublicKey struct {
	Type string

	Ed25519   kyber.Point
	Secp256k1 *ecdsa.PublicKey
}

// VerifyOption tweaks credential verification.
type VerifyOption func(*verifyOptions)

type verifyOptions struct {
	status StatusChecker
}

// WithStatusCheck makes verification query the revocation status of every
// credential that carries a credential status.
func WithStatusCheck(sc StatusChecker) VerifyOption {
	return func(o *verifyOptions) {
		o.status = sc
	}
}

// Issue signs the credential with the issuer's key and returns it with the
// proof attached.
func Issue(cred *Credential, kp *KeyPair) (*Credential, error) {
	suite, err := suiteForKeyType(kp.Type)
	if err != nil {
		return nil, err
	}
	out := *cred
	if len(out.Context) == 0 {
		out.Context = []string{DefaultContext}
	}
	out.Proof = nil
	digest, err := credentialDigest(&out)
	if err != nil {
		return nil, err
	}
	sig, err := suite.Sign(digest, kp)
	if err != nil {
		return nil, xerrors.Errorf("signing credential: %v", err)
	}
	out.Proof = &Proof{
		Type:               suite.ProofType(),
		Created:            time.Now().UTC().Format(time.RFC3339),
		VerificationMethod: kp.ID,
		ProofPurpose:       "assertionMethod",
		SignatureValue:     sig,
	}
	return &out, nil
}

// Verify checks the proof of the credential against the key its
// verification method resolves to, and optionally its revocation status.
func Verify(cred *Credential, r Resolver, opts ...VerifyOption) error {
	o := &verifyOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if cred.Proof == nil {
		return xerrors.New("credential carries no proof")
	}
	if err := verifyProof(cred.Proof, r, cred); err != nil {
		return err
	}
	if o.status != nil && cred.CredentialStatus != nil {
		registry, err := registryFromStatus(cred.CredentialStatus)
		if err != nil {
			return err
		}
		revID := RevocationID(cred)
		revoked, err := o.status.Revoked(registry, revID)
		if err != nil {
			return xerrors.Errorf("checking revocation status: %v", err)
		}
		if revoked {
			return xerrors.Errorf("credential %s is revoked", cred.ID)
		}
	}
	return nil
}

// CreatePresentation wraps the credentials for the holder. The result is
// unsigned until SignPresentation is called.
func CreatePresentation(holder string, creds ...*Credential) *Presentation {
	return &Presentation{
		Context:              []string{DefaultContext},
		Type:                 []string{"VerifiablePresentation"},
		Holder:               holder,
		VerifiableCredential: creds,
	}
}

// SignPresentation signs the presentation with the holder's key, binding
// it to the verifier's challenge and domain.
func SignPresentation(pres *Presentation, kp *KeyPair, challenge, domain string) (*Presentation, error) {
	suite, err := suiteForKeyType(kp.Type)
	if err != nil {
		return nil, err
	}
	out := *pres
	out.Proof = nil
	proof := &Proof{
		Type:               suite.ProofType(),
		Created:            time.Now().UTC().Format(time.RFC3339),
		VerificationMethod: kp.ID,
		ProofPurpose:       "authentication",
		Challenge:          challenge,
		Domain:             domain,
	}
	digest, err := presentationDigest(&out, proof)
	if err != nil {
		return nil, err
	}
	sig, err := suite.Sign(digest, kp)
	if err != nil {
		return nil, xerrors.Errorf("signing presentation: %v", err)
	}
	proof.SignatureValue = sig
	out.Proof = proof
	return &out, nil
}

// VerifyPresentation checks the presentation proof against the expected
// challenge and domain, then verifies every embedded credential.
func VerifyPresentation(pres *Presentation, challenge, domain string, r Resolver, opts ...VerifyOption) error {
	if pres.Proof == nil {
		return xerrors.New("presentation carries no proof")
	}
	if pres.Proof.Challenge != challenge {
		return xerrors.New("challenge doesn't match")
	}
	if pres.Proof.Domain != domain {
		return xerrors.New("domain doesn't match")
	}
	suite, err := suiteForProofType(pres.Proof.Type)
	if err != nil {
		return err
	}
	pub, err := r.ResolveKey(pres.Proof.VerificationMethod)
	if err != nil {
		return xerrors.Errorf("resolving %s: %v", pres.Proof.VerificationMethod, err)
	}
	stripped := *pres
	stripped.Proof = nil
	digest, err := presentationDigest(&stripped, pres.Proof)
	if err != nil {
		return err
	}
	if err := suite.Verify(digest, pres.Proof.SignatureValue, pub); err != nil {
		return xerrors.Errorf("verifying presentation proof: %v", err)
	}
	for _, cred := range pres.VerifiableCredential {
		if err := Verify(cred, r, opts...); err != nil {
			return xerrors.Errorf("credential %s: %v", cred.ID, err)
		}
	}
	return nil
}

// RevocationID derives the registry entry of a credential from its id.
func RevocationID(cred *Credential) []byte {
	sum := sha256.Sum256([]byte(cred.ID))
	return sum[:]
}

func verifyProof(p *Proof, r Resolver, cred *Credential) error {
	suite, err := suiteForProofType(p.Type)
	if err != nil {
		return err
	}
	pub, err := r.ResolveKey(p.VerificationMethod)
	if err != nil {
		return xerrors.Errorf("resolving %s: %v", p.VerificationMethod, err)
	}
	stripped := *cred
	stripped.Proof = nil
	digest, err := credentialDigest(&stripped)
	if err != nil {
		return err
	}
	if err := suite.Verify(digest, p.SignatureValue, pub); err != nil {
		return xerrors.Errorf("verifying credential proof: %v", err)
	}
	return nil
}

// credentialDigest hashes the canonical JSON form of a credential without
// its proof.
func credentialDigest(cred *Credential) ([]byte, error) {
	buf, err := json.Marshal(cred)
	if err != nil {
		return nil, xerrors.Errorf("canonicalizing credential: %v", err)
	}
	sum := sha256.Sum256(buf)
	return sum[:], nil
}

// presentationDigest hashes the canonical JSON form of a presentation
// without its proof, bound to the proof options (everything except the
// signature itself).
func presentationDigest(pres *Presentation, proof *Proof) ([]byte, error) {
	buf, err := json.Marshal(pres)
	if err != nil {
		return nil, xerrors.Errorf("canonicalizing presentation: %v", err)
	}
	opts := *proof
	opts.SignatureValue = ""
	optsBuf, err := json.Marshal(&opts)
	if err != nil {
		return nil, xerrors.Errorf("canonicalizing proof options: %v", err)
	}
	h := sha256.New()
	h.Write(buf)
	h.Write(optsBuf)
	return h.Sum(nil), nil
}
