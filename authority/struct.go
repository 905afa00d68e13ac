package authority

import (
	"time"

	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(
		&CreateChain{}, &CreateChainResponse{},
		&GetChainData{}, &ChainData{},
		&AddValidatorRequest{}, &RemoveValidatorRequest{}, &MutationOutcome{},
		&GetValidators{}, &GetValidatorsResponse{},
		&StreamHeadersRequest{}, &StreamHeadersResponse{},
	)
}

// ValidatorID is the opaque address of a block authority. It is only ever
// compared for equality against the author field of observed headers.
type ValidatorID string

// Header is the slice of a block header the SDK cares about: where the block
// sits in the chain, the slot it was produced in, and who authored it.
type Header struct {
	BlockNumber uint64
	SlotNo      uint64
	Author      ValidatorID
}

// CreateChain boots a proof-of-authority chain on the conode: the initial
// validator set, the duration of one slot and the number of slots per epoch.
type CreateChain struct {
	Validators     []ValidatorID
	SlotDuration   time.Duration
	MinEpochLength uint64
}

// CreateChainResponse is returned once the slot clock is running.
type CreateChainResponse struct{}

// GetChainData asks for the current scheduling snapshot.
type GetChainData struct{}

// ChainData is the scheduling snapshot: the current epoch, the last slot of
// that epoch and the epoch length. It is read-only and refreshed on demand.
type ChainData struct {
	Epoch          uint64
	EpochEndsAt    uint64
	MinEpochLength uint64
}

// AddValidatorRequest submits an add-validator transaction. Re-submitting an
// address that is already active or pending still lands in a block and is a
// no-op at activation time, so the call is safe to retry.
type AddValidatorRequest struct {
	Address ValidatorID
}

// RemoveValidatorRequest submits a remove-validator transaction.
type RemoveValidatorRequest struct {
	Address ValidatorID
}

// MutationOutcome reports where a validator-set mutation landed. The change
// itself only activates at an epoch boundary after this slot.
type MutationOutcome struct {
	BlockNo uint64
	SlotNo  uint64
}

// GetValidators asks for the currently active validator set.
type GetValidators struct{}

// GetValidatorsResponse carries the active set in authoring order.
type GetValidatorsResponse struct {
	Validators []ValidatorID
}

// StreamHeadersRequest opens a streaming tunnel delivering every new header
// until the client closes the connection.
type StreamHeadersRequest struct{}

// StreamHeadersResponse carries one new header.
type StreamHeadersResponse struct {
	Header *Header
}
