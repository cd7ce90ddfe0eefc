package connmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-interledger/internal/core/connection"
	"github.com/dep2p/go-interledger/internal/core/packet"
	"github.com/dep2p/go-interledger/internal/core/streamcrypto"
	"github.com/dep2p/go-interledger/pkg/interfaces"
	"github.com/dep2p/go-interledger/pkg/types"
)

const testBase = types.Address("test.receiver")

func testGenerator() *streamcrypto.ConnectionGenerator {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	return streamcrypto.NewConnectionGenerator(seed)
}

func nopLink() interfaces.Link {
	return interfaces.LinkFunc(func(ctx context.Context, prepare *packet.Prepare) (packet.Packet, error) {
		return &packet.Reject{Code: types.CodeF02Unreachable}, nil
	})
}

func newTestManager(t *testing.T, p Params) *Manager {
	t.Helper()
	if p.Link == nil {
		p.Link = nopLink()
	}
	if p.Generator == nil {
		p.Generator = testGenerator()
	}
	if p.BaseAddress == "" {
		p.BaseAddress = testBase
	}
	m, err := New(p)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func TestNewValidatesParams(t *testing.T) {
	_, err := New(Params{Generator: testGenerator(), BaseAddress: testBase})
	assert.Error(t, err, "missing link")

	_, err = New(Params{Link: nopLink(), BaseAddress: testBase})
	assert.Error(t, err, "missing generator")

	_, err = New(Params{Link: nopLink(), Generator: testGenerator()})
	assert.Error(t, err, "missing base address")
}

func TestTokenOf(t *testing.T) {
	m := newTestManager(t, Params{})

	token, err := m.tokenOf("test.receiver.AbC123xyz")
	require.NoError(t, err)
	assert.Equal(t, "AbC123xyz", token)

	// token 之后允许附加交互段
	token, err = m.tokenOf("test.receiver.AbC123xyz.extra.segments")
	require.NoError(t, err)
	assert.Equal(t, "AbC123xyz", token)

	_, err = m.tokenOf("test.receiver")
	assert.Error(t, err, "bare base address carries no token")

	_, err = m.tokenOf("test.other.AbC123xyz")
	assert.Error(t, err, "destination outside base address")
}

func TestHandlePrepareRejectsForeignDestination(t *testing.T) {
	m := newTestManager(t, Params{})

	rej, ok := m.HandlePrepare(context.Background(), &packet.Prepare{
		Destination: "test.other.account",
		ExpiresAt:   time.Now().Add(time.Minute),
	}).(*packet.Reject)
	require.True(t, ok)
	assert.Equal(t, types.CodeF02Unreachable, rej.Code)
	assert.Equal(t, testBase, rej.TriggeredBy)
	assert.Equal(t, 0, m.Len())
}

func TestConnectionReusedForSameToken(t *testing.T) {
	gen := testGenerator()
	m := newTestManager(t, Params{Generator: gen})

	dest, _, err := gen.Generate(testBase)
	require.NoError(t, err)

	c1, err := m.connectionFor(dest)
	require.NoError(t, err)
	c2, err := m.connectionFor(dest)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, m.Len())
}

func TestDeadConnectionReplaced(t *testing.T) {
	gen := testGenerator()
	m := newTestManager(t, Params{Generator: gen})

	dest, _, err := gen.Generate(testBase)
	require.NoError(t, err)

	c1, err := m.connectionFor(dest)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c1.Close(ctx))

	c2, err := m.connectionFor(dest)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 1, m.Len())
}

func TestCapacityEvictionClosesOldest(t *testing.T) {
	gen := testGenerator()
	m := newTestManager(t, Params{Generator: gen, MaxConnections: 2})

	var conns []*connection.Connection
	for i := 0; i < 3; i++ {
		dest, _, err := gen.Generate(testBase)
		require.NoError(t, err)
		conn, err := m.connectionFor(dest)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	assert.Equal(t, 2, m.Len())

	// 最早建立的连接被淘汰回调异步关闭
	select {
	case <-conns[0].Done():
	case <-time.After(10 * time.Second):
		t.Fatal("evicted connection was not closed")
	}
}

func TestOnAcceptInvokedForNewConnections(t *testing.T) {
	gen := testGenerator()
	accepted := make(chan *connection.Connection, 1)
	m := newTestManager(t, Params{
		Generator: gen,
		OnAccept:  func(c *connection.Connection) { accepted <- c },
	})

	dest, _, err := gen.Generate(testBase)
	require.NoError(t, err)
	conn, err := m.connectionFor(dest)
	require.NoError(t, err)

	select {
	case got := <-accepted:
		assert.Same(t, conn, got)
	case <-time.After(5 * time.Second):
		t.Fatal("accept callback not invoked")
	}

	// 复用同一连接时不再回调
	_, err = m.connectionFor(dest)
	require.NoError(t, err)
	select {
	case <-accepted:
		t.Fatal("accept callback fired for reused connection")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseRejectsFurtherTraffic(t *testing.T) {
	gen := testGenerator()
	m := newTestManager(t, Params{Generator: gen})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	dest, _, err := gen.Generate(testBase)
	require.NoError(t, err)
	_, err = m.connectionFor(dest)
	assert.ErrorIs(t, err, ErrClosed)
}
