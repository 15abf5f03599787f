package relay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"osdp-panel/osdp"
)

type fakeLine struct {
	values []int
	closed bool
}

func (f *fakeLine) SetValue(v int) error {
	f.values = append(f.values, v)
	return nil
}

func (f *fakeLine) Close() error {
	f.closed = true
	return nil
}

type fakePanel struct {
	fn func(*osdp.Reply)
}

func (p *fakePanel) OnReply(replyType osdp.ReplyType, fn func(*osdp.Reply)) func() {
	p.fn = fn
	return func() { p.fn = nil }
}

func TestHandleOutputStatusDrivesMirroredLine(t *testing.T) {
	fl := &fakeLine{}
	m := &Mirror{lines: map[mirrorKey]line{
		{Bus: "main", Address: 2, Output: 0}: fl,
	}}

	connID := osdp.NewConnectionID()
	byName := map[string]string{"main": connID.String()}

	m.handleOutputStatus(byName, &osdp.Reply{
		ConnectionID: connID,
		Address:      2,
		Type:         osdp.ReplyOutputStatus,
		Payload:      []byte{1, 0},
	})

	require.Equal(t, []int{1}, fl.values)
}

func TestHandleOutputStatusIgnoresUnmirroredOutput(t *testing.T) {
	fl := &fakeLine{}
	m := &Mirror{lines: map[mirrorKey]line{
		{Bus: "main", Address: 2, Output: 0}: fl,
	}}

	connID := osdp.NewConnectionID()
	byName := map[string]string{"main": connID.String()}

	m.handleOutputStatus(byName, &osdp.Reply{
		ConnectionID: connID,
		Address:      9,
		Type:         osdp.ReplyOutputStatus,
		Payload:      []byte{1},
	})

	require.Empty(t, fl.values)
}

func TestCloseReleasesLinesAndUnregisters(t *testing.T) {
	fl := &fakeLine{}
	panel := &fakePanel{}
	unregisterCalled := false
	m := &Mirror{
		lines:      map[mirrorKey]line{{Bus: "main", Address: 2, Output: 0}: fl},
		unregister: func() { unregisterCalled = true; panel.fn = nil },
	}

	require.NoError(t, m.Close())
	require.True(t, fl.closed)
	require.True(t, unregisterCalled)
}
