package guard_test

import (
	"errors"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/parkeqpapa/avgx-backend-v3/auth"
	"github.com/parkeqpapa/avgx-backend-v3/guard"
)

var (
	pauser   = ethcommon.HexToAddress("0x0000000000000000000000000000000000000021")
	stranger = ethcommon.HexToAddress("0x0000000000000000000000000000000000000022")
)

type flagStore struct {
	saved []bool
	fail  bool
}

func (s *flagStore) SavePaused(paused bool) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.saved = append(s.saved, paused)
	return nil
}

func newSwitch() *guard.Switch {
	roles := auth.NewStaticRegistry()
	roles.Grant(auth.RolePauser, pauser)
	return guard.NewSwitch(roles)
}

func TestPauseRequiresRole(t *testing.T) {
	sw := newSwitch()
	require.ErrorIs(t, sw.Pause(stranger), auth.ErrUnauthorized)
	require.False(t, sw.IsPaused())

	require.NoError(t, sw.Pause(pauser))
	require.True(t, sw.IsPaused())

	require.ErrorIs(t, sw.Unpause(stranger), auth.ErrUnauthorized)
	require.True(t, sw.IsPaused())
	require.NoError(t, sw.Unpause(pauser))
	require.False(t, sw.IsPaused())
}

func TestCheckBlocksWhilePaused(t *testing.T) {
	sw := newSwitch()
	require.NoError(t, guard.Check(sw))
	require.NoError(t, sw.Pause(pauser))
	require.ErrorIs(t, guard.Check(sw), guard.ErrPaused)
	require.NoError(t, guard.Check(nil))
}

func TestTransitionsPersist(t *testing.T) {
	sw := newSwitch()
	store := &flagStore{}
	sw.WithStore(store, false)

	require.NoError(t, sw.Pause(pauser))
	require.NoError(t, sw.Unpause(pauser))
	require.Equal(t, []bool{true, false}, store.saved)
}

func TestFailedPersistRollsBack(t *testing.T) {
	sw := newSwitch()
	sw.WithStore(&flagStore{fail: true}, false)

	require.Error(t, sw.Pause(pauser))
	require.False(t, sw.IsPaused())
}

func TestWithStoreRestoresFlag(t *testing.T) {
	sw := newSwitch()
	sw.WithStore(&flagStore{}, true)
	require.True(t, sw.IsPaused())
}
