// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package distribute

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelhil/synopticon/internal/result"
)

func TestUDP_SendDeliversDatagram(t *testing.T) {
	laddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	listener, err := net.ListenUDP("udp", laddr)
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	port := listener.LocalAddr().(*net.UDPAddr).Port

	u := NewUDP()
	defer func() { _ = u.Disconnect(context.Background()) }()

	res := result.NewSuccess("udp-pipe", 1, []result.Face{{BBox: result.BBox{X: 10, Y: 10, W: 50, H: 50}, Confidence: 0.9}})
	payload, err := result.EncodeDatagram(res)
	require.NoError(t, err)

	ref := Ref{StreamID: "s1", Dest: Destination{Host: "127.0.0.1", Port: port}}
	require.NoError(t, u.Send(context.Background(), ref, payload))

	buf := make([]byte, result.MaxDatagramSize)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	back, err := result.DecodeDatagram(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, res.ID, back.ID)

	h := u.Health()
	assert.Equal(t, uint64(1), h.Sent)
	assert.Zero(t, h.Failed)
}

func TestUDP_DropsOversizePayload(t *testing.T) {
	u := NewUDP()
	defer func() { _ = u.Disconnect(context.Background()) }()

	huge := make([]byte, result.MaxDatagramSize+1)
	ref := Ref{StreamID: "s1", Dest: Destination{Host: "127.0.0.1", Port: 9}}
	err := u.Send(context.Background(), ref, huge)
	require.ErrorIs(t, err, result.ErrOversizeDatagram)
	assert.Equal(t, uint64(1), u.Health().Failed)
}
