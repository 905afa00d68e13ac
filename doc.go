// Package sdk is a client SDK for proof-of-authority networks: it wraps the
// node RPC surface for validator-set administration, DID-based revocation
// registries and W3C verifiable credentials.
//
// The heavy lifting lives in external collaborators: onet carries the RPC
// and service plumbing, kyber the cryptographic suites, and the chain nodes
// the scheduling of the validator set. The packages here are thin
// orchestration around those: building requests, submitting them, watching
// chain state and deciding when an observed effect counts as confirmed.
//
//   - authority: chain-data reads, validator mutations, header streaming and
//     the epoch-boundary admission protocol.
//   - did: on-chain DIDs and credential revocation registries.
//   - vc: verifiable-credential issuance and verification pass-throughs.
package sdk
