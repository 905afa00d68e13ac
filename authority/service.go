// Package authority implements the proof-of-authority chain service and its
// client SDK: chain-data reads, validator-set mutations, header streaming
// and the epoch-boundary admission protocol built on top of them.
//
// The service side keeps a deliberately small scheduler: a slot clock,
// round-robin authorship over the active validator set, and validator-set
// changes that only activate at the start of a later epoch. A mutation
// included at slot S of epoch E activates at epoch E+1, unless S is the
// final slot of E, in which case it misses the boundary and activates at
// E+2. This is the scheduling behavior the admission protocol exercises
// from the client side.
package authority

import (
	"sync"
	"time"

	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

// ServiceName is used for registration on the onet.
const ServiceName = "Authority"

// ServiceID is the id of the authority service, filled in at registration.
var ServiceID onet.ServiceID

func init() {
	var err error
	ServiceID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
	network.RegisterMessages(&storage{}, &chainState{}, &Activation{})
}

const dbVersion = 1

// storageID reflects the data we're storing.
var storageID = []byte("authority")

// mutationTimeout bounds how long a submitter waits for its transaction to
// be included in a block. Coarse on purpose, epochs on real networks are
// minutes long.
const mutationTimeout = time.Minute

// chainState is the scheduling state of the chain, persisted as-is.
type chainState struct {
	SlotDuration   time.Duration
	MinEpochLength uint64
	Slot           uint64
	Epoch          uint64
	BlockNo        uint64
	Active         []ValidatorID
	Pending        []Activation
}

// Activation is a validator-set change waiting for its epoch to begin.
type Activation struct {
	Epoch   uint64
	Address ValidatorID
	Remove  bool
}

type storage struct {
	Chain *chainState

	sync.Mutex
}

// mutation couples a queued validator-set change with the channel its
// submitter waits on.
type mutation struct {
	address ValidatorID
	remove  bool
	done    chan MutationOutcome
}

// Service runs one proof-of-authority chain per conode.
type Service struct {
	*onet.ServiceProcessor
	storage      *storage
	streamingMan streamingManager

	queueMutex sync.Mutex
	queue      []*mutation

	closeChan   chan bool
	closed      bool
	closedMutex sync.Mutex
	working     sync.WaitGroup
}

// epochEndsAt returns the last slot of the given epoch.
func epochEndsAt(epoch, minEpochLength uint64) uint64 {
	return (epoch+1)*minEpochLength - 1
}

// CreateChain initialises the chain and starts the slot clock. It fails if
// the conode already runs a chain.
func (s *Service) CreateChain(req *CreateChain) (network.Message, error) {
	if len(req.Validators) == 0 {
		return nil, xerrors.New("refusing to create a chain without validators")
	}
	if req.SlotDuration <= 0 {
		return nil, xerrors.New("slot duration must be positive")
	}
	if req.MinEpochLength < 2 {
		return nil, xerrors.New("epoch length must be at least 2 slots")
	}
	active := make([]ValidatorID, 0, len(req.Validators))
	for _, v := range req.Validators {
		if v == "" {
			return nil, xerrors.New("empty validator address")
		}
		if hasValidator(active, v) {
			return nil, xerrors.Errorf("duplicate validator: %s", v)
		}
		active = append(active, v)
	}

	s.storage.Lock()
	if s.storage.Chain != nil {
		s.storage.Unlock()
		return nil, xerrors.New("chain already exists")
	}
	s.storage.Chain = &chainState{
		SlotDuration:   req.SlotDuration,
		MinEpochLength: req.MinEpochLength,
		Active:         active,
	}
	s.storage.Unlock()

	if err := s.save(); err != nil {
		return nil, xerrors.Errorf("saving chain: %v", err)
	}
	s.startClock(req.SlotDuration)
	return &CreateChainResponse{}, nil
}

// GetChainData returns the current scheduling snapshot.
func (s *Service) GetChainData(req *GetChainData) (network.Message, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	c := s.storage.Chain
	if c == nil {
		return nil, xerrors.New("no chain created yet")
	}
	return &ChainData{
		Epoch:          c.Epoch,
		EpochEndsAt:    epochEndsAt(c.Epoch, c.MinEpochLength),
		MinEpochLength: c.MinEpochLength,
	}, nil
}

// GetValidators returns the currently active set in authoring order.
func (s *Service) GetValidators(req *GetValidators) (network.Message, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	c := s.storage.Chain
	if c == nil {
		return nil, xerrors.New("no chain created yet")
	}
	return &GetValidatorsResponse{
		Validators: append([]ValidatorID{}, c.Active...),
	}, nil
}

// AddValidator queues an add-validator transaction and waits for it to be
// included in a block.
func (s *Service) AddValidator(req *AddValidatorRequest) (network.Message, error) {
	return s.submit(req.Address, false)
}

// RemoveValidator queues a remove-validator transaction and waits for it to
// be included in a block.
func (s *Service) RemoveValidator(req *RemoveValidatorRequest) (network.Message, error) {
	return s.submit(req.Address, true)
}

func (s *Service) submit(addr ValidatorID, remove bool) (*MutationOutcome, error) {
	if addr == "" {
		return nil, xerrors.New("empty validator address")
	}

	s.storage.Lock()
	c := s.storage.Chain
	if c == nil {
		s.storage.Unlock()
		return nil, xerrors.New("no chain created yet")
	}
	if remove {
		if !hasValidator(c.Active, addr) && !pendingAdd(c.Pending, addr) {
			s.storage.Unlock()
			return nil, xerrors.Errorf("%s is not a validator", addr)
		}
		if remaining(c) <= 1 {
			s.storage.Unlock()
			return nil, xerrors.New("removal would leave the chain without validators")
		}
	}
	s.storage.Unlock()

	m := &mutation{
		address: addr,
		remove:  remove,
		done:    make(chan MutationOutcome, 1),
	}
	s.queueMutex.Lock()
	s.queue = append(s.queue, m)
	s.queueMutex.Unlock()

	select {
	case out := <-m.done:
		return &out, nil
	case <-s.closeChan:
		return nil, xerrors.New("service is closing")
	case <-time.After(mutationTimeout):
		return nil, xerrors.New("timed out waiting for the mutation to be included")
	}
}

// StreamHeaders opens a tunnel delivering every new header to the client
// until it closes the connection.
func (s *Service) StreamHeaders(req *StreamHeadersRequest) (chan *StreamHeadersResponse, chan bool, error) {
	stopChan := make(chan bool)
	outChan := s.streamingMan.newListener()

	go func() {
		s.closedMutex.Lock()
		if s.closed {
			s.closedMutex.Unlock()
			return
		}
		s.working.Add(1)
		defer s.working.Done()
		s.closedMutex.Unlock()

		// Either the service is closing and we force the connection to
		// stop, or the streaming connection is closed upfront. In both
		// cases we clean the listener.
		select {
		case <-stopChan:
		case <-s.closeChan:
		}
		s.streamingMan.stopListener(outChan)
	}()
	return outChan, stopChan, nil
}

func (s *Service) startClock(interval time.Duration) {
	s.closedMutex.Lock()
	if s.closed {
		s.closedMutex.Unlock()
		return
	}
	s.working.Add(1)
	s.closedMutex.Unlock()

	go func() {
		defer s.working.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.produceBlock()
			case <-s.closeChan:
				return
			}
		}
	}()
}

// produceBlock advances the slot clock by one slot: it applies due
// activations when an epoch boundary is crossed, picks the author by round
// robin over the active set, includes all queued mutations and notifies the
// header streams.
func (s *Service) produceBlock() {
	s.queueMutex.Lock()
	queued := s.queue
	s.queue = nil
	s.queueMutex.Unlock()

	s.storage.Lock()
	c := s.storage.Chain
	c.Slot++
	boundary := false
	if c.Slot%c.MinEpochLength == 0 {
		c.Epoch = c.Slot / c.MinEpochLength
		s.applyActivations(c)
		boundary = true
	}
	author := c.Active[c.Slot%uint64(len(c.Active))]
	c.BlockNo++
	header := &Header{
		BlockNumber: c.BlockNo,
		SlotNo:      c.Slot,
		Author:      author,
	}

	for _, m := range queued {
		effect := c.Epoch + 1
		if c.Slot == epochEndsAt(c.Epoch, c.MinEpochLength) {
			// The final slot of an epoch misses the coming boundary.
			effect = c.Epoch + 2
		}
		c.Pending = append(c.Pending, Activation{
			Epoch:   effect,
			Address: m.address,
			Remove:  m.remove,
		})
		m.done <- MutationOutcome{BlockNo: c.BlockNo, SlotNo: c.Slot}
	}
	s.storage.Unlock()

	if boundary {
		if err := s.save(); err != nil {
			log.Error("couldn't save chain state:", err)
		}
	}
	s.streamingMan.notify(header)
}

// applyActivations applies every pending change whose epoch has begun.
// The caller must hold the storage lock.
func (s *Service) applyActivations(c *chainState) {
	var keep []Activation
	for _, a := range c.Pending {
		if a.Epoch > c.Epoch {
			keep = append(keep, a)
			continue
		}
		if a.Remove {
			if len(c.Active) <= 1 {
				log.Warn("skipping removal of", a.Address, "- last validator")
				continue
			}
			c.Active = removeValidator(c.Active, a.Address)
		} else if !hasValidator(c.Active, a.Address) {
			c.Active = append(c.Active, a.Address)
		}
		log.Lvl3("epoch", c.Epoch, "validator set is now", c.Active)
	}
	c.Pending = keep
}

func hasValidator(list []ValidatorID, addr ValidatorID) bool {
	for _, v := range list {
		if v == addr {
			return true
		}
	}
	return false
}

func removeValidator(list []ValidatorID, addr ValidatorID) []ValidatorID {
	out := list[:0]
	for _, v := range list {
		if v != addr {
			out = append(out, v)
		}
	}
	return out
}

func pendingAdd(pending []Activation, addr ValidatorID) bool {
	for _, a := range pending {
		if !a.Remove && a.Address == addr {
			return true
		}
	}
	return false
}

// remaining counts the validators left once every pending change has been
// applied, replaying the queue on a copy so that duplicate entries for the
// same address don't skew the count. The caller must hold the storage lock.
func remaining(c *chainState) int {
	set := append([]ValidatorID{}, c.Active...)
	for _, a := range c.Pending {
		if a.Remove {
			set = removeValidator(set, a.Address)
		} else if !hasValidator(set, a.Address) {
			set = append(set, a.Address)
		}
	}
	return len(set)
}

// saves all data.
func (s *Service) save() error {
	s.storage.Lock()
	defer s.storage.Unlock()
	err := s.Save(storageID, s.storage)
	if err != nil {
		log.Error("couldn't save data:", err)
		return xerrors.Errorf("saving storage: %v", err)
	}
	return nil
}

// Tries to load the configuration and updates the data in the service
// if it finds a valid config-file.
func (s *Service) tryLoad() error {
	s.storage = &storage{}
	ver, err := s.LoadVersion()
	if err != nil {
		return xerrors.Errorf("loading version: %v", err)
	}

	// In the future, we'll make database upgrades below.
	if ver < dbVersion {
		// There is no version 0. Save empty storage and update version
		// number.
		if err = s.save(); err != nil {
			return xerrors.Errorf("saving empty storage: %v", err)
		}
		return s.SaveVersion(dbVersion)
	}
	msg, err := s.Load(storageID)
	if err != nil {
		return xerrors.Errorf("loading storage: %v", err)
	}
	if msg == nil {
		return nil
	}
	var ok bool
	s.storage, ok = msg.(*storage)
	if !ok {
		return xerrors.New("data of wrong type")
	}
	return nil
}

// TestClose stops the slot clock and the open streams. Only used in tests.
func (s *Service) TestClose() {
	s.closedMutex.Lock()
	if !s.closed {
		s.closed = true
		s.closedMutex.Unlock()
		close(s.closeChan)
		s.streamingMan.stopAll()
		s.working.Wait()
	} else {
		s.closedMutex.Unlock()
	}
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		storage:          &storage{},
		closeChan:        make(chan bool),
	}
	err := s.RegisterHandlers(
		s.CreateChain,
		s.GetChainData,
		s.GetValidators,
		s.AddValidator,
		s.RemoveValidator)
	if err != nil {
		log.ErrFatal(err, "couldn't register messages")
	}
	if err := s.RegisterStreamingHandlers(s.StreamHeaders); err != nil {
		log.ErrFatal(err, "couldn't register streaming messages")
	}
	if err := s.tryLoad(); err != nil {
		return nil, xerrors.Errorf("loading service state: %v", err)
	}

	s.storage.Lock()
	chain := s.storage.Chain
	s.storage.Unlock()
	if chain != nil {
		s.startClock(chain.SlotDuration)
	}
	return s, nil
}
