package authority

import (
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// AdmissionState tracks where a validator-set change stands in the
// epoch-boundary protocol.
type AdmissionState int

const (
	// Idle - no mutation in flight yet.
	Idle AdmissionState = iota
	// Submitting - a mutation has been sent and waits for inclusion.
	Submitting
	// AwaitingBoundary - the short-circuit path is watching headers for
	// the next epoch to begin before it submits.
	AwaitingBoundary
	// Accepted - the mutation landed in a usable slot.
	Accepted
	// Failed - the retry bound or an observation window was exhausted.
	Failed
)

func (s AdmissionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Submitting:
		return "Submitting"
	case AwaitingBoundary:
		return "AwaitingBoundary"
	case Accepted:
		return "Accepted"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// DefaultRetries is the attempt bound of the non-short-circuit path.
const DefaultRetries = 3

// minWindow is the smallest number of headers an observer examines before
// giving a verdict.
const minWindow = 4

// Admission drives one validator-set change through the epoch-boundary
// protocol and confirms its effect from the header stream. Validator-set
// changes activate only from the start of an epoch after the one they were
// accepted in, so submitting close to a boundary risks deferring the change
// an extra epoch. The non-short-circuit path therefore retries until the
// mutation lands strictly before the epoch-end slot; the short-circuit path
// waits for a fresh epoch and submits right at its start, exercising the
// other branch of the scheduler.
//
// An Admission is single-use: it tracks one mutation from Idle to Accepted
// or Failed.
type Admission struct {
	cl *Client
	// Retries bounds the attempts of the non-short-circuit path.
	Retries int

	state AdmissionState
}

// NewAdmission returns an idle admission driver on the given client.
func NewAdmission(cl *Client) *Admission {
	return &Admission{
		cl:      cl,
		Retries: DefaultRetries,
	}
}

// State returns the current protocol state.
func (a *Admission) State() AdmissionState {
	return a.state
}

// Acceptance records where a mutation landed and the epoch it was accepted
// in. Effects must only be evaluated in epochs strictly greater than Epoch.
type Acceptance struct {
	MutationOutcome
	Epoch        uint64
	ShortCircuit bool
}

// Add runs the admission protocol for an add-validator mutation.
func (a *Admission) Add(target ValidatorID, shortCircuit bool) (*Acceptance, error) {
	return a.run(target, false, shortCircuit)
}

// Remove runs the admission protocol for a remove-validator mutation.
func (a *Admission) Remove(target ValidatorID, shortCircuit bool) (*Acceptance, error) {
	return a.run(target, true, shortCircuit)
}

func (a *Admission) run(target ValidatorID, remove, shortCircuit bool) (*Acceptance, error) {
	if a.state != Idle {
		return nil, xerrors.Errorf("admission already ran, state is %v", a.state)
	}
	if shortCircuit {
		return a.runShortCircuit(target, remove)
	}
	return a.runRetry(target, remove)
}

func (a *Admission) submit(target ValidatorID, remove bool) (*MutationOutcome, error) {
	if remove {
		return a.cl.RemoveValidator(target)
	}
	return a.cl.AddValidator(target)
}

// runRetry submits until the mutation lands strictly before the epoch-end
// slot recorded before the attempt, up to the retry bound.
func (a *Admission) runRetry(target ValidatorID, remove bool) (*Acceptance, error) {
	for attempt := 0; attempt < a.Retries; attempt++ {
		cd, err := a.cl.ChainData()
		if err != nil {
			a.state = Failed
			return nil, xerrors.Errorf("reading chain data: %v", err)
		}
		a.state = Submitting
		out, err := a.submit(target, remove)
		if err != nil {
			a.state = Failed
			return nil, xerrors.Errorf("submitting mutation: %v", err)
		}
		if out.SlotNo < cd.EpochEndsAt {
			a.state = Accepted
			log.Lvl2("mutation accepted at slot", out.SlotNo,
				"in epoch", cd.Epoch, "ending at slot", cd.EpochEndsAt)
			return &Acceptance{
				MutationOutcome: *out,
				Epoch:           cd.Epoch,
			}, nil
		}
		log.Lvl2("attempt", attempt+1, "landed at slot", out.SlotNo,
			"on or after the boundary slot", cd.EpochEndsAt, "- retrying")
	}
	a.state = Failed
	return nil, xerrors.Errorf(
		"mutation didn't land before the epoch boundary in %d attempts", a.Retries)
}

// runShortCircuit watches headers until a new epoch begins relative to the
// starting epoch, then submits exactly once.
func (a *Admission) runShortCircuit(target ValidatorID, remove bool) (*Acceptance, error) {
	cd, err := a.cl.ChainData()
	if err != nil {
		a.state = Failed
		return nil, xerrors.Errorf("reading chain data: %v", err)
	}
	start := cd.Epoch

	a.state = AwaitingBoundary
	stream, err := a.cl.StreamHeaders()
	if err != nil {
		a.state = Failed
		return nil, xerrors.Errorf("subscribing to headers: %v", err)
	}
	defer stream.Close()

	// The boundary has to show up within two epochs worth of headers.
	budget := 2 * cd.MinEpochLength
	crossed := false
	for h := range stream.Headers() {
		if cd.EpochOf(h.SlotNo) > start {
			crossed = true
			break
		}
		budget--
		if budget == 0 {
			break
		}
	}
	if !crossed {
		a.state = Failed
		return nil, xerrors.Errorf(
			"no epoch boundary past epoch %d observed within the header budget", start)
	}

	a.state = Submitting
	out, err := a.submit(target, remove)
	if err != nil {
		a.state = Failed
		return nil, xerrors.Errorf("submitting mutation: %v", err)
	}
	a.state = Accepted
	epoch := cd.EpochOf(out.SlotNo)
	log.Lvl2("short-circuit mutation submitted at slot", out.SlotNo, "in epoch", epoch)
	return &Acceptance{
		MutationOutcome: *out,
		Epoch:           epoch,
		ShortCircuit:    true,
	}, nil
}

// ConfirmAddition watches the header stream until the added validator
// authors a block. The authoring epoch must be strictly greater than the
// acceptance epoch - an author match within the acceptance epoch is
// meaningless under the protocol. On the short-circuit path the effect must
// land exactly one epoch after submission, within minWindow blocks of that
// epoch beginning. The watch examines at most one epoch of headers plus a
// small tail; exhausting either bound is a hard failure.
func (a *Admission) ConfirmAddition(acc *Acceptance, target ValidatorID) error {
	cd, err := a.cl.ChainData()
	if err != nil {
		return xerrors.Errorf("reading chain data: %v", err)
	}
	stream, err := a.cl.StreamHeaders()
	if err != nil {
		return xerrors.Errorf("subscribing to headers: %v", err)
	}
	defer stream.Close()

	budget := cd.MinEpochLength + minWindow
	window := uint64(minWindow)
	for h := range stream.Headers() {
		if h.Author == target {
			epoch := cd.EpochOf(h.SlotNo)
			if epoch <= acc.Epoch {
				a.state = Failed
				return xerrors.Errorf(
					"%s authored block %d in epoch %d, not after acceptance epoch %d",
					target, h.BlockNumber, epoch, acc.Epoch)
			}
			if acc.ShortCircuit && epoch != acc.Epoch+1 {
				a.state = Failed
				return xerrors.Errorf(
					"short-circuit addition took effect in epoch %d instead of %d",
					epoch, acc.Epoch+1)
			}
			log.Lvl2(target, "authored block", h.BlockNumber,
				"at slot", h.SlotNo, "in epoch", epoch)
			return nil
		}
		if acc.ShortCircuit && cd.EpochOf(h.SlotNo) > acc.Epoch {
			window--
			if window == 0 {
				a.state = Failed
				return xerrors.Errorf(
					"%s didn't author within %d blocks of its activation epoch",
					target, minWindow)
			}
		}
		budget--
		if budget == 0 {
			a.state = Failed
			return xerrors.Errorf("%s didn't author a block within %d headers",
				target, cd.MinEpochLength+minWindow)
		}
	}
	a.state = Failed
	return xerrors.New("header stream ended before the addition was confirmed")
}

// ConfirmRemoval waits for the first epoch after the acceptance epoch and
// then requires a full absence window: the removed validator must not
// author any observed block. Absence in a single block is weak evidence, so
// the watch keeps going for a whole rotation before declaring success.
func (a *Admission) ConfirmRemoval(acc *Acceptance, target ValidatorID) error {
	cd, err := a.cl.ChainData()
	if err != nil {
		return xerrors.Errorf("reading chain data: %v", err)
	}
	stream, err := a.cl.StreamHeaders()
	if err != nil {
		return xerrors.Errorf("subscribing to headers: %v", err)
	}
	defer stream.Close()

	waitBudget := 2 * cd.MinEpochLength
	window := cd.MinEpochLength
	if window < minWindow {
		window = minWindow
	}
	entered := false
	clean := uint64(0)
	for h := range stream.Headers() {
		if !entered {
			if cd.EpochOf(h.SlotNo) <= acc.Epoch {
				waitBudget--
				if waitBudget == 0 {
					a.state = Failed
					return xerrors.Errorf(
						"post-removal epoch didn't begin within %d headers",
						2*cd.MinEpochLength)
				}
				continue
			}
			entered = true
		}
		if h.Author == target {
			a.state = Failed
			return xerrors.Errorf(
				"%s authored block %d at slot %d after its removal epoch",
				target, h.BlockNumber, h.SlotNo)
		}
		clean++
		if clean >= window {
			log.Lvl2(target, "absent from", clean, "blocks after epoch", acc.Epoch)
			return nil
		}
	}
	a.state = Failed
	return xerrors.New("header stream ended before the removal was confirmed")
}

// AddAndConfirm runs the full protocol for an addition.
func (a *Admission) AddAndConfirm(target ValidatorID, shortCircuit bool) error {
	acc, err := a.Add(target, shortCircuit)
	if err != nil {
		return err
	}
	return a.ConfirmAddition(acc, target)
}

// RemoveAndConfirm runs the full protocol for a removal.
func (a *Admission) RemoveAndConfirm(target ValidatorID, shortCircuit bool) error {
	acc, err := a.Remove(target, shortCircuit)
	if err != nil {
		return err
	}
	return a.ConfirmRemoval(acc, target)
}
