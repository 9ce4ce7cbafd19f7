package bridge

import (
	"errors"
	"testing"
)

func TestTrackerDefaults(t *testing.T) {
	tr := NewTracker()
	for _, ct := range AllChannelTypes() {
		if got := tr.ChannelState(ct); got != StateStopped {
			t.Fatalf("%s initial state = %s, want stopped", ct, got)
		}
	}
	if tr.ServiceRunning() {
		t.Fatal("service must start not running")
	}
}

func TestTrackerTransitions(t *testing.T) {
	tr := NewTracker()
	tr.SetChannelState(ChannelTelegram, StateConnected, nil)
	if got := tr.ChannelState(ChannelTelegram); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}

	cause := errors.New("gateway closed")
	tr.SetChannelState(ChannelTelegram, StateReconnecting, cause)
	channels, _ := tr.Snapshot()
	for _, status := range channels {
		if status.Channel != ChannelTelegram {
			continue
		}
		if status.State != StateReconnecting {
			t.Fatalf("state = %s, want reconnecting", status.State)
		}
		if status.LastError != cause.Error() {
			t.Fatalf("last error = %q", status.LastError)
		}
	}

	// Unknown types are ignored rather than growing the map.
	tr.SetChannelState("irc", StateConnected, nil)
	channels, _ = tr.Snapshot()
	if len(channels) != len(AllChannelTypes()) {
		t.Fatalf("snapshot has %d entries, want %d", len(channels), len(AllChannelTypes()))
	}
}

func TestTrackerSnapshotOrder(t *testing.T) {
	tr := NewTracker()
	tr.SetServiceRunning(true)
	channels, running := tr.Snapshot()
	if !running {
		t.Fatal("service flag lost")
	}
	want := AllChannelTypes()
	for i, status := range channels {
		if status.Channel != want[i] {
			t.Fatalf("snapshot[%d] = %s, want %s", i, status.Channel, want[i])
		}
	}
}
