package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewListenersBindsAndRegisters(t *testing.T) {
	mux, err := New()
	require.NoError(t, err)
	defer mux.Close()

	ls, err := NewListeners(mux, []int{0})
	require.NoError(t, err)
	defer ls.Close()

	require.True(t, ls.IsListener(ls.byPort[0].Fd))
	require.Equal(t, 0, ls.PortOf(ls.byPort[0].Fd))
}

func TestAcceptDrainsPendingConnections(t *testing.T) {
	mux, err := New()
	require.NoError(t, err)
	defer mux.Close()

	ls, err := NewListeners(mux, []int{0})
	require.NoError(t, err)
	defer ls.Close()

	l := ls.byPort[0]
	sa, err := unix.Getsockname(l.Fd)
	require.NoError(t, err)
	addr, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)

	clientFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(clientFd)
	require.NoError(t, unix.Connect(clientFd, &unix.SockaddrInet4{Port: addr.Port, Addr: [4]byte{127, 0, 0, 1}}))

	buf := NewEventBuffer(8)
	_, err = mux.Wait(1000, buf)
	require.NoError(t, err)

	accepted, err := ls.Accept(l.Fd)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	unix.Close(accepted[0])
}
