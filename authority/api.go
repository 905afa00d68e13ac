package authority

import (
	"sync"
	"time"

	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"

	"github.com/sekmet/sdk"
)

// Client is a structure to communicate with the authority service. All
// requests go to the first conode of the roster so that chain-data reads,
// mutations and header streams observe the same slot clock.
type Client struct {
	*onet.Client
	Roster *onet.Roster
}

// NewClient instantiates a new authority.Client.
func NewClient(r *onet.Roster) *Client {
	return &Client{
		Client: onet.NewClient(sdk.Suite, ServiceName),
		Roster: r,
	}
}

// CreateChain boots the chain on every conode of the roster with the given
// initial validator set, slot duration and epoch length in slots.
func (c *Client) CreateChain(validators []ValidatorID, slotDuration time.Duration, minEpochLength uint64) error {
	req := &CreateChain{
		Validators:     validators,
		SlotDuration:   slotDuration,
		MinEpochLength: minEpochLength,
	}
	for _, si := range c.Roster.List {
		reply := &CreateChainResponse{}
		if err := c.SendProtobuf(si, req, reply); err != nil {
			return xerrors.Errorf("creating chain on %v: %v", si, err)
		}
	}
	return nil
}

// ChainData returns the current scheduling snapshot: epoch, the last slot of
// that epoch, and the epoch length.
func (c *Client) ChainData() (*ChainData, error) {
	reply := &ChainData{}
	err := c.SendProtobuf(c.Roster.List[0], &GetChainData{}, reply)
	return reply, sdk.ErrorOrNil(err, "getting chain data")
}

// Validators returns the currently active validator set.
func (c *Client) Validators() ([]ValidatorID, error) {
	reply := &GetValidatorsResponse{}
	err := c.SendProtobuf(c.Roster.List[0], &GetValidators{}, reply)
	return reply.Validators, sdk.ErrorOrNil(err, "getting validators")
}

// AddValidator submits an add-validator transaction and returns the block
// and slot it landed in. The change activates at a later epoch boundary.
func (c *Client) AddValidator(addr ValidatorID) (*MutationOutcome, error) {
	reply := &MutationOutcome{}
	err := c.SendProtobuf(c.Roster.List[0], &AddValidatorRequest{Address: addr}, reply)
	return reply, sdk.ErrorOrNil(err, "adding validator")
}

// RemoveValidator submits a remove-validator transaction and returns the
// block and slot it landed in.
func (c *Client) RemoveValidator(addr ValidatorID) (*MutationOutcome, error) {
	reply := &MutationOutcome{}
	err := c.SendProtobuf(c.Roster.List[0], &RemoveValidatorRequest{Address: addr}, reply)
	return reply, sdk.ErrorOrNil(err, "removing validator")
}

// EpochOf returns the epoch a slot belongs to.
func (cd *ChainData) EpochOf(slot uint64) uint64 {
	return slot / cd.MinEpochLength
}

// HeaderStream is one live subscription to new headers. Close must be
// called on every exit path; only the first call tears the connection down.
type HeaderStream struct {
	headers chan Header
	closing chan bool
	conn    *onet.Client
	once    sync.Once
}

// StreamHeaders subscribes to new headers on a dedicated connection. The
// returned stream delivers every header produced after the subscription
// until Close is called or the connection breaks.
func (c *Client) StreamHeaders() (*HeaderStream, error) {
	sub := onet.NewClientKeep(sdk.Suite, ServiceName)
	conn, err := sub.Stream(c.Roster.List[0], &StreamHeadersRequest{})
	if err != nil {
		if cerr := sub.Close(); cerr != nil {
			return nil, xerrors.Errorf("closing after failed stream: %v", cerr)
		}
		return nil, xerrors.Errorf("opening header stream: %v", err)
	}
	hs := &HeaderStream{
		headers: make(chan Header),
		closing: make(chan bool),
		conn:    sub,
	}
	go func() {
		defer close(hs.headers)
		for {
			resp := StreamHeadersResponse{}
			if err := conn.ReadMessage(&resp); err != nil {
				return
			}
			if resp.Header == nil {
				continue
			}
			select {
			case hs.headers <- *resp.Header:
			case <-hs.closing:
				return
			}
		}
	}()
	return hs, nil
}

// Headers returns the channel of observed headers. It is closed when the
// stream ends.
func (hs *HeaderStream) Headers() <-chan Header {
	return hs.headers
}

// Close unsubscribes from the header stream exactly once.
func (hs *HeaderStream) Close() error {
	var err error
	hs.once.Do(func() {
		close(hs.closing)
		err = hs.conn.Close()
	})
	return err
}
