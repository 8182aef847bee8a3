package notify_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/notify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := notify.NewBus()
	first := bus.Subscribe(4)
	second := bus.Subscribe(4)

	n := notify.Notification{Level: notify.LevelError, Operation: "FinalizeSetup", Code: faults.DeviceAuthFlowTimedOut}
	bus.Notify(context.Background(), n)

	require.Equal(t, n, <-first)
	require.Equal(t, n, <-second)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := notify.NewBus()
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(4)

	for _, op := range []string{"a", "b", "c"} {
		bus.Notify(context.Background(), notify.Notification{Operation: op})
	}

	require.Equal(t, "a", (<-slow).Operation)
	require.Len(t, slow, 0)
	require.Len(t, fast, 3)
}

func TestBusClose(t *testing.T) {
	bus := notify.NewBus()
	ch := bus.Subscribe(1)

	bus.Close()
	bus.Close()
	_, ok := <-ch
	require.False(t, ok)

	// publishing after close is ignored
	bus.Notify(context.Background(), notify.Notification{Operation: "late"})

	late := bus.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewLogNotifier(zerolog.New(&buf))

	n.Notify(context.Background(), notify.Notification{
		Level:      notify.LevelError,
		Operation:  "GetRoleCredentials",
		Code:       faults.StaleAwsAccessToken,
		InstanceID: "inst-1",
		Message:    "token rejected",
	})

	out := buf.String()
	require.Contains(t, out, `"level":"error"`)
	require.Contains(t, out, `"code":"STALE_AWS_ACCESS_TOKEN"`)
	require.Contains(t, out, `"instance_id":"inst-1"`)
	require.Contains(t, out, `"component":"notify"`)
	require.Contains(t, out, `"message":"token rejected"`)
}

func TestMulti(t *testing.T) {
	bus := notify.NewBus()
	ch := bus.Subscribe(2)

	multi := notify.Multi{notify.Nop{}, bus}
	multi.Notify(context.Background(), notify.Notification{Operation: "x"})
	require.Equal(t, "x", (<-ch).Operation)
}
