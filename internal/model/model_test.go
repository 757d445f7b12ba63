package model

import (
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	for _, s := range []string{"camera", "microphone"} {
		if k, err := ParseKind(s); err != nil || string(k) != s {
			t.Errorf("ParseKind(%q) = %q, %v", s, k, err)
		}
	}
	if _, err := ParseKind("speaker"); err == nil {
		t.Error("ParseKind(speaker) succeeded")
	}
}

func TestDeactivatedCarriesOpeningProcesses(t *testing.T) {
	dev := Device{ID: "/dev/video0", Kind: Camera}
	procs := []ProcessRef{{PID: 42, Name: "cheese"}}
	at := time.Unix(100, 0)

	ev := NewDeactivated(dev, at, procs)
	procs[0].Name = "changed"

	if ev.Transition != Deactivated || !ev.Timestamp.Equal(at) {
		t.Errorf("event = %+v", ev)
	}
	if ev.OpenedBy[0].Name != "cheese" || ev.Processes[0].Name != "cheese" {
		t.Errorf("event shares caller slice: %+v", ev)
	}
	if ev.ID == "" || ev.ID == NewDeactivated(dev, at, nil).ID {
		t.Error("event IDs are not unique")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ev := NewActivated(Device{ID: "/dev/video0"}, time.Now(), []ProcessRef{{PID: 1, Name: "zoom"}})
	c := ev.Clone()
	c.Processes[0].Name = "x"
	if ev.Processes[0].Name != "zoom" {
		t.Error("Clone shares Processes")
	}

	st := DeviceState{Active: true, Attributions: []ProcessRef{{PID: 1}}}
	cs := st.Clone()
	cs.Attributions[0].PID = 2
	if st.Attributions[0].PID != 1 {
		t.Error("DeviceState.Clone shares Attributions")
	}
}

func TestUnattributed(t *testing.T) {
	ev := NewActivated(Device{}, time.Now(), []ProcessRef{UnknownProcess})
	if !ev.IsUnattributed() {
		t.Error("sentinel-only event should be unattributed")
	}
	ev = NewActivated(Device{}, time.Now(), []ProcessRef{UnknownProcess, {PID: 7, Name: "obs"}})
	if ev.IsUnattributed() {
		t.Error("event with a real process reported unattributed")
	}
}
