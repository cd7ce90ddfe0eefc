package ildcp

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/types"
)

func parentDetails() *types.AccountDetails {
	return &types.AccountDetails{
		ClientAddress: "g.parent.child42",
		AssetCode:     "USD",
		AssetScale:    6,
	}
}

func TestResponseRoundTrip(t *testing.T) {
	data := EncodeResponse(parentDetails())
	got, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, parentDetails(), got)
}

func TestDecodeResponseRejectsTruncated(t *testing.T) {
	data := EncodeResponse(parentDetails())
	for i := 0; i < len(data); i++ {
		_, err := DecodeResponse(data[:i])
		assert.Error(t, err, "prefix of length %d", i)
	}
}

func TestDecodeResponseRejectsBadAddress(t *testing.T) {
	data := EncodeResponse(&types.AccountDetails{
		ClientAddress: "g.valid",
		AssetCode:     "USD",
		AssetScale:    6,
	})
	// 覆盖地址首字节为非法字符
	data[1] = '!'
	_, err := DecodeResponse(data)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestFetchAgainstServe(t *testing.T) {
	link := interfaces.LinkFunc(func(ctx context.Context, prepare *packet.Prepare) (packet.Packet, error) {
		return Serve(prepare, parentDetails()), nil
	})

	got, err := Fetch(context.Background(), link, time.Now())
	require.NoError(t, err)
	assert.Equal(t, parentDetails(), got)
}

func TestFetchSurfacesReject(t *testing.T) {
	link := interfaces.LinkFunc(func(ctx context.Context, prepare *packet.Prepare) (packet.Packet, error) {
		return &packet.Reject{Code: types.CodeF02Unreachable, Message: "no parent"}, nil
	})

	_, err := Fetch(context.Background(), link, time.Now())
	assert.ErrorIs(t, err, ErrRejected)
}

func TestServeChecksDestination(t *testing.T) {
	prepare := &packet.Prepare{
		Destination:        "g.somewhere.else",
		ExpiresAt:          time.Now().Add(time.Minute),
		ExecutionCondition: sha256.Sum256(make([]byte, 32)),
	}
	rej, ok := Serve(prepare, parentDetails()).(*packet.Reject)
	require.True(t, ok)
	assert.Equal(t, types.CodeF02Unreachable, rej.Code)
}

func TestServeChecksCondition(t *testing.T) {
	prepare := &packet.Prepare{
		Destination:        DestinationAddress,
		ExpiresAt:          time.Now().Add(time.Minute),
		ExecutionCondition: sha256.Sum256([]byte("wrong")),
	}
	rej, ok := Serve(prepare, parentDetails()).(*packet.Reject)
	require.True(t, ok)
	assert.Equal(t, types.CodeF05WrongCondition, rej.Code)
}

func TestServeFulfillsWithTrivialFulfillment(t *testing.T) {
	prepare := &packet.Prepare{
		Destination:        DestinationAddress,
		ExpiresAt:          time.Now().Add(time.Minute),
		ExecutionCondition: sha256.Sum256(make([]byte, 32)),
	}
	f, ok := Serve(prepare, parentDetails()).(*packet.Fulfill)
	require.True(t, ok)
	assert.Equal(t, [32]byte{}, f.Fulfillment)

	got, err := DecodeResponse(f.Data)
	require.NoError(t, err)
	assert.Equal(t, parentDetails(), got)
}

func TestClientFetchAccountDetails(t *testing.T) {
	link := interfaces.LinkFunc(func(ctx context.Context, prepare *packet.Prepare) (packet.Packet, error) {
		require.True(t, IsRequest(prepare))
		return Serve(prepare, parentDetails()), nil
	})
	c := &Client{Link: link}

	got, err := c.FetchAccountDetails(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *parentDetails(), got)
}

func TestIsRequest(t *testing.T) {
	assert.True(t, IsRequest(&packet.Prepare{Destination: "peer.config"}))
	assert.False(t, IsRequest(&packet.Prepare{Destination: "g.peer.config"}))
}
