package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeFrames(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"turn on", TurnOn(), []byte{0x31, 0x05, 0x12, 0xFF, 0x00, 0xFF, 0xFF}},
		{"turn off permanent", TurnOffPermanent(), []byte{0x31, 0x05, 0xC0, 0x00, 0x00, 0x00, 0x00}},
		{"turn off 3 days", TurnOffDays(3), []byte{0x31, 0x05, 0x15, 0x00, 0x03, 0xFF, 0xFF}},
		{"sprinkle station 3 for 15", SprinkleStation(3, 15), []byte{0x31, 0x05, 0x22, 0x03, 0x00, 0x0F, 0xFF, 0xFF}},
		{"sprinkle all for 10", SprinkleAll(10), []byte{0x31, 0x05, 0x23, 0x00, 0x0A, 0xFF, 0xFF}},
		{"run program 2", RunProgram(2), []byte{0x31, 0x05, 0x21, 0x02, 0x00, 0xFF, 0xFF}},
		{"stop manual", StopManualSprinkle(), []byte{0x31, 0x05, 0x24, 0x00, 0x00, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	p := Params{Station: 5, Minutes: 30}
	first, err := Encode(ActionSprinkleStation, p)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := Encode(ActionSprinkleStation, p)
		if !bytes.Equal(first, again) {
			t.Fatalf("Encode() run %d = % X, want % X", i, again, first)
		}
	}
}

func TestSprinkleStationClampsHigh(t *testing.T) {
	cmd := SprinkleStation(99, 500)
	if cmd.Station != MaxStation || cmd.Minutes != MaxMinutes {
		t.Fatalf("SprinkleStation(99, 500) = station %d minutes %d, want 16 240", cmd.Station, cmd.Minutes)
	}
	frame, _ := cmd.Encode()
	if frame[3] != 16 || frame[5] != 240 {
		t.Errorf("frame = % X, want station 0x10 minutes 0xF0", frame)
	}
}

func TestSprinkleStationClampsLow(t *testing.T) {
	frame, err := Encode(ActionSprinkleStation, Params{Station: 0, Minutes: 0})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if frame[3] != 1 || frame[5] != 1 {
		t.Errorf("frame = % X, want station 0x01 minutes 0x01", frame)
	}
}

func TestTurnOffDaysClamps(t *testing.T) {
	if got := TurnOffDays(-5).Days; got != 0 {
		t.Errorf("TurnOffDays(-5).Days = %d, want 0", got)
	}
	if got := TurnOffDays(1000).Days; got != 365 {
		t.Errorf("TurnOffDays(1000).Days = %d, want 365", got)
	}
	frame, err := TurnOffDays(-5).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if frame[4] != 0 {
		t.Errorf("days byte = %d, want 0", frame[4])
	}
}

func TestTurnOffDaysAboveByteRange(t *testing.T) {
	frame, err := TurnOffDays(1000).Encode()
	if !errors.Is(err, ErrFieldOverflow) {
		t.Fatalf("Encode() error = %v, want ErrFieldOverflow", err)
	}
	if frame != nil {
		t.Errorf("Encode() frame = % X, want nil", frame)
	}

	frame, err = TurnOffDays(255).Encode()
	if err != nil {
		t.Fatalf("Encode(255 days) error = %v", err)
	}
	if frame[4] != 0xFF {
		t.Errorf("days byte = 0x%02X, want 0xFF", frame[4])
	}
}

func TestSprinkleAllAndProgramClamp(t *testing.T) {
	if got := SprinkleAll(0).Minutes; got != MinMinutes {
		t.Errorf("SprinkleAll(0).Minutes = %d, want %d", got, MinMinutes)
	}
	if got := SprinkleAll(9999).Minutes; got != MaxMinutes {
		t.Errorf("SprinkleAll(9999).Minutes = %d, want %d", got, MaxMinutes)
	}
	if got := RunProgram(0).Program; got != MinProgram {
		t.Errorf("RunProgram(0).Program = %d, want %d", got, MinProgram)
	}
	if got := RunProgram(7).Program; got != MaxProgram {
		t.Errorf("RunProgram(7).Program = %d, want %d", got, MaxProgram)
	}
}

func TestEncodeClampsUnclampedCommand(t *testing.T) {
	// A hand-built Command skips the constructors; Encode must still clamp.
	frame, err := Command{Action: ActionRunProgram, Program: 42}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if frame[3] != MaxProgram {
		t.Errorf("program byte = %d, want %d", frame[3], MaxProgram)
	}
}

func TestEncodeUnknownAction(t *testing.T) {
	if _, err := Encode(Action(99), Params{}); err == nil {
		t.Error("Encode(unknown) should return an error")
	}
}

func TestCommitFrame(t *testing.T) {
	got := CommitFrame()
	if !bytes.Equal(got, []byte{0x3B, 0x00}) {
		t.Fatalf("CommitFrame() = % X, want 3B 00", got)
	}
	// Callers mutating their copy must not affect the next frame.
	got[0] = 0
	if CommitFrame()[0] != 0x3B {
		t.Error("CommitFrame() shares its backing array")
	}
}

func TestActionString(t *testing.T) {
	if got := ActionSprinkleStation.String(); got != "sprinkle_station_x_for_y_minutes" {
		t.Errorf("String() = %q", got)
	}
	if got := Action(42).String(); got != "action(42)" {
		t.Errorf("String() = %q", got)
	}
}
