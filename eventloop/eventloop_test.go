package eventloop

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerArmFiresOnce(t *testing.T) {
	loop := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	fired := make(chan struct{}, 4)
	timer := loop.NewTimer(func(arg any) { fired <- struct{}{} }, nil)
	timer.Arm(10 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerReArmCancelsPriorFire(t *testing.T) {
	loop := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	fired := make(chan time.Time, 4)
	timer := loop.NewTimer(func(arg any) { fired <- time.Now() }, nil)
	timer.Arm(500 * time.Millisecond)
	timer.Arm(10 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("re-armed timer never fired")
	}
	select {
	case <-fired:
		t.Fatal("stale arm fired a second time")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestTimerCancel(t *testing.T) {
	loop := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	fired := make(chan struct{}, 1)
	timer := loop.NewTimer(func(arg any) { fired <- struct{}{} }, nil)
	timer.Arm(20 * time.Millisecond)
	timer.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIOWatchDeliversOneDatagramPerRead(t *testing.T) {
	loop := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan []byte, 4)
	watch := loop.NewIOWatch(conn, 1500, func(arg any, buf []byte, addr net.Addr, err error) {
		if err == nil {
			received <- buf
		}
	}, nil)
	watch.Add()
	defer watch.Free()

	sender, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.WriteTo([]byte("hello"), conn.LocalAddr())
	require.NoError(t, err)

	select {
	case buf := <-received:
		require.Equal(t, "hello", string(buf))
	case <-time.After(time.Second):
		t.Fatal("datagram never delivered")
	}
}
