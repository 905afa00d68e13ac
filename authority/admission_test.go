package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3"
)

func TestAdmission_AddRetry(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2"}, 5)

	adm := NewAdmission(cl)
	require.Equal(t, Idle, adm.State())
	// A short test epoch makes landing near the boundary likely, so give
	// the retry path more room than the default.
	adm.Retries = 10

	cd, err := cl.ChainData()
	require.NoError(t, err)

	acc, err := adm.Add("v3", false)
	require.NoError(t, err)
	require.Equal(t, Accepted, adm.State())
	require.False(t, acc.ShortCircuit)

	// Accepted slot is strictly before the epoch-end slot of the epoch it
	// was accepted in, and the acceptance epoch is current.
	require.Less(t, acc.SlotNo, (acc.Epoch+1)*cd.MinEpochLength-1)
	require.Equal(t, acc.Epoch, cd.EpochOf(acc.SlotNo))

	require.NoError(t, adm.ConfirmAddition(acc, "v3"))

	vals, err := cl.Validators()
	require.NoError(t, err)
	require.Contains(t, vals, ValidatorID("v3"))
}

func TestAdmission_AddShortCircuit(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2"}, 4)

	cd, err := cl.ChainData()
	require.NoError(t, err)
	start := cd.Epoch

	adm := NewAdmission(cl)
	acc, err := adm.Add("v3", true)
	require.NoError(t, err)
	require.Equal(t, Accepted, adm.State())
	require.True(t, acc.ShortCircuit)

	// Submission happened only once the epoch had advanced past the
	// captured starting epoch.
	require.Greater(t, acc.Epoch, start)

	// The effect shows up exactly one epoch after submission.
	require.NoError(t, adm.ConfirmAddition(acc, "v3"))
}

func TestAdmission_Remove(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2", "v3"}, 4)

	adm := NewAdmission(cl)
	adm.Retries = 10
	acc, err := adm.Remove("v3", false)
	require.NoError(t, err)
	require.Equal(t, Accepted, adm.State())

	require.NoError(t, adm.ConfirmRemoval(acc, "v3"))

	vals, err := cl.Validators()
	require.NoError(t, err)
	require.NotContains(t, vals, ValidatorID("v3"))
}

func TestAdmission_RemoveShortCircuit(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2", "v3"}, 4)

	adm := NewAdmission(cl)
	require.NoError(t, adm.RemoveAndConfirm("v2", true))
}

func TestAdmission_RetryExhaustion(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	// With two slots per epoch every slot is either the epoch-end slot or
	// right before it, so no submission can land strictly before the
	// boundary and the retry bound must run out.
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2"}, 2)

	adm := NewAdmission(cl)
	_, err := adm.Add("v3", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "attempts")
	require.Equal(t, Failed, adm.State())
}

func TestAdmission_ShortCircuitStreamLoss(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	hosts, roster, _ := local.GenTree(1, true)
	cl := NewClient(roster)
	// A long epoch keeps the boundary far away while the stream dies.
	require.NoError(t, cl.CreateChain([]ValidatorID{"v1", "v2"}, testSlot, 50))

	adm := NewAdmission(cl)
	errCh := make(chan error, 1)
	go func() {
		_, err := adm.Add("v3", true)
		errCh <- err
	}()

	// Let the admission subscribe, then tear the service down underneath
	// it. The boundary watch must fail instead of waiting forever.
	time.Sleep(5 * testSlot)
	hosts[0].Service(ServiceName).(*Service).TestClose()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Equal(t, Failed, adm.State())
	case <-time.After(4 * time.Second):
		t.Fatal("admission didn't fail after the stream was lost")
	}
}

func TestAdmission_ShortCircuitConfirmWindow(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2"}, 4)

	adm := NewAdmission(cl)
	acc, err := adm.Add("v3", true)
	require.NoError(t, err)

	// A validator that never shows up must fail within a few blocks of
	// the activation epoch, not linger for a whole extra epoch.
	err = adm.ConfirmAddition(acc, "v9")
	require.Error(t, err)
	require.Contains(t, err.Error(), "didn't author")
	require.Equal(t, Failed, adm.State())
}

func TestAdmission_SingleUse(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2"}, 4)

	adm := NewAdmission(cl)
	adm.Retries = 10
	_, err := adm.Add("v3", false)
	require.NoError(t, err)

	// One admission drives one mutation.
	_, err = adm.Add("v4", false)
	require.Error(t, err)
	_, err = adm.Remove("v3", false)
	require.Error(t, err)
}

func TestAdmission_ConfirmWrongTarget(t *testing.T) {
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2"}, 4)

	adm := NewAdmission(cl)
	adm.Retries = 10
	acc, err := adm.Add("v3", false)
	require.NoError(t, err)

	// A validator that was never added must exhaust the header window.
	err = adm.ConfirmAddition(acc, "v9")
	require.Error(t, err)
	require.Equal(t, Failed, adm.State())
}

func TestAdmission_FullCycle(t *testing.T) {
	if testing.Short() {
		t.Skip("full add/remove cycle takes several epochs")
	}
	local := onet.NewLocalTestT(tSuite, t)
	defer local.CloseAll()
	cl := newTestChain(t, local, []ValidatorID{"v1", "v2"}, 4)

	add := NewAdmission(cl)
	add.Retries = 10
	require.NoError(t, add.AddAndConfirm("v3", false))

	rm := NewAdmission(cl)
	rm.Retries = 10
	require.NoError(t, rm.RemoveAndConfirm("v3", false))

	vals, err := cl.Validators()
	require.NoError(t, err)
	require.Equal(t, []ValidatorID{"v1", "v2"}, vals)
}
