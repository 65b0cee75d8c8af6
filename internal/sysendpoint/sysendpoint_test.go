package sysendpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	notifications []Notification
}

func (f *fakeSink) SendUInformation(endpointID uint8, payload []byte) error {
	n, err := DecodeNotification(payload)
	if err != nil {
		return err
	}
	f.notifications = append(f.notifications, n)
	return nil
}

func TestMarkPeerOpenNotifiesAndRecords(t *testing.T) {
	sink := &fakeSink{}
	r := NewRegistry(sink)

	require.False(t, r.PeerIsOpen(5))
	r.MarkPeerOpen(5, true)
	require.True(t, r.PeerIsOpen(5))
	require.True(t, r.RxCapable(5))
	require.Equal(t, []Notification{{Kind: NotifyEndpointOpened, Endpoint: 5}}, sink.notifications)
}

func TestMarkPeerClosedNotifiesAndClears(t *testing.T) {
	sink := &fakeSink{}
	r := NewRegistry(sink)
	r.MarkPeerOpen(3, false)
	r.MarkPeerClosed(3)

	require.False(t, r.PeerIsOpen(3))
	require.Equal(t, NotifyEndpointReset, sink.notifications[1].Kind)
}

func TestGetPropertyCapabilitiesRoundTrips(t *testing.T) {
	r := NewRegistry(nil)
	r.SetCapabilities(CapSecurity | CapUART)

	b, err := r.GetProperty(PropCapabilities, nil, nil)
	require.NoError(t, err)
	require.Len(t, b, 4)
}

func TestGetPropertyEndpointStateRequiresEndpointID(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.GetProperty(PropEndpointState, func(uint8) (uint8, bool) { return 0, false }, nil)
	require.Error(t, err)
}

func TestGetPropertyEndpointStateUsesCallback(t *testing.T) {
	r := NewRegistry(nil)
	b, err := r.GetProperty(PropEndpointState, func(id uint8) (uint8, bool) {
		require.Equal(t, uint8(2), id)
		return 1, true
	}, []byte{2})
	require.NoError(t, err)
	require.Equal(t, []byte{1}, b)
}

func TestGetPropertyLastResetCause(t *testing.T) {
	r := NewRegistry(nil)
	r.SetLastResetCause(ResetCauseFaultNoAck)
	b, err := r.GetProperty(PropLastResetCause, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{byte(ResetCauseFaultNoAck)}, b)
}
