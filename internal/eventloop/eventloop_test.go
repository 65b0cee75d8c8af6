package eventloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterFiresOnReadable(t *testing.T) {
	el, err := New()
	require.NoError(t, err)
	defer el.Shutdown()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := false
	require.NoError(t, el.Register(int(r.Fd()), false, func() { fired = true }, nil))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, el.RunOnce(100*time.Millisecond))
	require.True(t, fired)
}

func TestUnregisterCancelsTiedTimer(t *testing.T) {
	el, err := New()
	require.NoError(t, err)
	defer el.Shutdown()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, el.Register(int(r.Fd()), false, func() {}, nil))
	timerFired := false
	el.ArmTimer(10*time.Millisecond, int(r.Fd()), func() { timerFired = true })

	require.NoError(t, el.Unregister(int(r.Fd())))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, el.RunOnce(10*time.Millisecond))
	require.False(t, timerFired)
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	el, err := New()
	require.NoError(t, err)
	defer el.Shutdown()

	var order []int
	el.ArmTimer(20*time.Millisecond, 0, func() { order = append(order, 2) })
	el.ArmTimer(5*time.Millisecond, 0, func() { order = append(order, 1) })

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, el.RunOnce(0))
	require.Equal(t, []int{1, 2}, order)
}

func TestCancelTimerSkipsHandler(t *testing.T) {
	el, err := New()
	require.NoError(t, err)
	defer el.Shutdown()

	fired := false
	h := el.ArmTimer(5*time.Millisecond, 0, func() { fired = true })
	el.CancelTimer(h)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, el.RunOnce(0))
	require.False(t, fired)
}
