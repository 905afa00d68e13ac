package authority

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
)

var tSuite = suites.MustFind("Ed25519")

// testSlot is kept short so that epochs stay in the tens of milliseconds.
var testSlot = 20 * time.Millisecond

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestService_CreateChain(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	hosts, _, _ := local.GenTree(1, true)
	service := hosts[0].Service(ServiceName).(*Service)

	_, err := service.CreateChain(&CreateChain{
		SlotDuration:   testSlot,
		MinEpochLength: 4,
	})
	require.Error(t, err)

	_, err = service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1"},
		SlotDuration:   0,
		MinEpochLength: 4,
	})
	require.Error(t, err)

	_, err = service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1"},
		SlotDuration:   testSlot,
		MinEpochLength: 1,
	})
	require.Error(t, err)

	_, err = service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1", "v1"},
		SlotDuration:   testSlot,
		MinEpochLength: 4,
	})
	require.Error(t, err)

	_, err = service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1", "v2"},
		SlotDuration:   testSlot,
		MinEpochLength: 4,
	})
	require.NoError(t, err)

	// Only one chain per conode.
	_, err = service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v3"},
		SlotDuration:   testSlot,
		MinEpochLength: 4,
	})
	require.Error(t, err)
}

func TestService_GetChainData(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	hosts, _, _ := local.GenTree(1, true)
	service := hosts[0].Service(ServiceName).(*Service)

	_, err := service.GetChainData(&GetChainData{})
	require.Error(t, err)

	_, err = service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1", "v2"},
		SlotDuration:   testSlot,
		MinEpochLength: 4,
	})
	require.NoError(t, err)

	msg, err := service.GetChainData(&GetChainData{})
	require.NoError(t, err)
	cd := msg.(*ChainData)
	require.Equal(t, uint64(4), cd.MinEpochLength)
	require.Equal(t, (cd.Epoch+1)*4-1, cd.EpochEndsAt)

	// Without a mutation in between, the epoch never goes backwards.
	last := cd.Epoch
	for i := 0; i < 5; i++ {
		time.Sleep(2 * testSlot)
		msg, err := service.GetChainData(&GetChainData{})
		require.NoError(t, err)
		cd := msg.(*ChainData)
		require.GreaterOrEqual(t, cd.Epoch, last)
		last = cd.Epoch
	}
}

func TestService_Mutations(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	hosts, _, _ := local.GenTree(1, true)
	service := hosts[0].Service(ServiceName).(*Service)

	_, err := service.AddValidator(&AddValidatorRequest{Address: "v3"})
	require.Error(t, err)

	_, err = service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1", "v2"},
		SlotDuration:   testSlot,
		MinEpochLength: 4,
	})
	require.NoError(t, err)

	_, err = service.AddValidator(&AddValidatorRequest{Address: ""})
	require.Error(t, err)

	_, err = service.RemoveValidator(&RemoveValidatorRequest{Address: "nobody"})
	require.Error(t, err)

	msg, err := service.AddValidator(&AddValidatorRequest{Address: "v3"})
	require.NoError(t, err)
	out := msg.(*MutationOutcome)
	require.Greater(t, out.SlotNo, uint64(0))
	require.Greater(t, out.BlockNo, uint64(0))

	// The addition only activates at an epoch boundary after the slot it
	// landed in.
	deadline := time.After(20 * 4 * testSlot)
	for {
		msg, err := service.GetValidators(&GetValidators{})
		require.NoError(t, err)
		reply := msg.(*GetValidatorsResponse)
		if hasValidator(reply.Validators, "v3") {
			cd, err := service.GetChainData(&GetChainData{})
			require.NoError(t, err)
			require.Greater(t, cd.(*ChainData).Epoch, out.SlotNo/4)
			break
		}
		select {
		case <-deadline:
			t.Fatal("v3 never activated")
		case <-time.After(testSlot):
		}
	}
}

func TestService_RemoveLastValidator(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	hosts, _, _ := local.GenTree(1, true)
	service := hosts[0].Service(ServiceName).(*Service)

	_, err := service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1", "v2"},
		SlotDuration:   testSlot,
		MinEpochLength: 4,
	})
	require.NoError(t, err)

	_, err = service.RemoveValidator(&RemoveValidatorRequest{Address: "v1"})
	require.NoError(t, err)

	// The pending removal already counts: taking out v2 as well would
	// leave the chain without validators.
	_, err = service.RemoveValidator(&RemoveValidatorRequest{Address: "v2"})
	require.Error(t, err)
}

func TestService_DuplicateRemovals(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	hosts, _, _ := local.GenTree(1, true)
	service := hosts[0].Service(ServiceName).(*Service)

	// A long epoch keeps every submission below in the pending queue.
	_, err := service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1", "v2", "v3"},
		SlotDuration:   testSlot,
		MinEpochLength: 20,
	})
	require.NoError(t, err)

	// Re-submitting the same removal is allowed and must only count once
	// against the validators that will be left.
	_, err = service.RemoveValidator(&RemoveValidatorRequest{Address: "v3"})
	require.NoError(t, err)
	_, err = service.RemoveValidator(&RemoveValidatorRequest{Address: "v3"})
	require.NoError(t, err)

	_, err = service.RemoveValidator(&RemoveValidatorRequest{Address: "v2"})
	require.NoError(t, err)

	// Only v1 would be left now.
	_, err = service.RemoveValidator(&RemoveValidatorRequest{Address: "v1"})
	require.Error(t, err)
}

func TestService_EffectEpoch(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	hosts, _, _ := local.GenTree(1, true)
	service := hosts[0].Service(ServiceName).(*Service)

	const m = 4
	_, err := service.CreateChain(&CreateChain{
		Validators:     []ValidatorID{"v1", "v2"},
		SlotDuration:   testSlot,
		MinEpochLength: m,
	})
	require.NoError(t, err)

	// Collect sample mutations landing at different slots and check the
	// recorded activation epoch against the slot they landed in.
	for i := 0; i < 3; i++ {
		addr := ValidatorID(fmt.Sprintf("w%d", i))
		msg, err := service.AddValidator(&AddValidatorRequest{Address: addr})
		require.NoError(t, err)
		out := msg.(*MutationOutcome)

		service.storage.Lock()
		var found *Activation
		for j := range service.storage.Chain.Pending {
			if service.storage.Chain.Pending[j].Address == addr {
				found = &service.storage.Chain.Pending[j]
				break
			}
		}
		landed := out.SlotNo / m
		if found != nil {
			if out.SlotNo == epochEndsAt(landed, m) {
				require.Equal(t, landed+2, found.Epoch)
			} else {
				require.Equal(t, landed+1, found.Epoch)
			}
		}
		// A nil found means the boundary already passed and the
		// activation was applied, which is fine too.
		service.storage.Unlock()
	}
}
