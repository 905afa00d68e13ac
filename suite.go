package sdk

import (
	"go.dedis.ch/kyber/v3/suites"
)

// Suite is the cryptographic suite used throughout the SDK for keys,
// signatures and the onet transport.
var Suite = suites.MustFind("Ed25519")
