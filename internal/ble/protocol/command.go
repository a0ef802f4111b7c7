// Package protocol implements the binary command frames of the Solem BLE
// sprinkler protocol. Every control frame is followed on the wire by a
// separate commit frame that makes the controller apply it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CharacteristicUUID is the GATT characteristic all command frames are
// written to (write without response).
const CharacteristicUUID = "108b0002-eab5-bc09-d0ea-0b8f467ce8ee"

// GroupMarker is the leading big-endian opcode group shared by all frames.
const GroupMarker uint16 = 0x3105

// Opcode selects the controller action inside the command group.
type Opcode byte

const (
	OpTurnOn          Opcode = 0x12
	OpTurnOffDays     Opcode = 0x15
	OpRunProgram      Opcode = 0x21
	OpSprinkleStation Opcode = 0x22
	OpSprinkleAll     Opcode = 0x23
	OpStopManual      Opcode = 0x24
	OpTurnOff         Opcode = 0xC0
)

// Parameter bounds. Values outside are saturated, never rejected.
const (
	MinDays     = 0
	MaxDays     = 365
	MinStation  = 1
	MaxStation  = 16
	MinMinutes  = 1
	MaxMinutes  = 240
	MinProgram  = 1
	MaxProgram  = 3
	trailerOpen = 0xFFFF
)

// ErrFieldOverflow is returned when a clamped parameter still does not fit
// its one-byte frame field (only days above 255 can hit this).
var ErrFieldOverflow = errors.New("protocol: value does not fit in frame field")

// Action is a logical controller operation.
type Action int

const (
	ActionTurnOn Action = iota
	ActionTurnOffPermanent
	ActionTurnOffDays
	ActionSprinkleStation
	ActionSprinkleAll
	ActionRunProgram
	ActionStopManual
)

var actionNames = map[Action]string{
	ActionTurnOn:           "turn_on",
	ActionTurnOffPermanent: "turn_off_permanent",
	ActionTurnOffDays:      "turn_off_x_days",
	ActionSprinkleStation:  "sprinkle_station_x_for_y_minutes",
	ActionSprinkleAll:      "sprinkle_all_stations_for_y_minutes",
	ActionRunProgram:       "run_program_x",
	ActionStopManual:       "stop_manual_sprinkle",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Params carries the raw, unclamped action parameters.
type Params struct {
	Days    int
	Station int
	Minutes int
	Program int
}

// Command is an action with its parameters already clamped to range.
type Command struct {
	Action  Action
	Days    int
	Station int
	Minutes int
	Program int
}

// TurnOn enables watering.
func TurnOn() Command { return Command{Action: ActionTurnOn} }

// TurnOffPermanent disables watering until turned on again.
func TurnOffPermanent() Command { return Command{Action: ActionTurnOffPermanent} }

// TurnOffDays disables watering for the given number of days.
func TurnOffDays(days int) Command {
	return Command{Action: ActionTurnOffDays, Days: clamp(days, MinDays, MaxDays)}
}

// SprinkleStation waters one station for the given minutes.
func SprinkleStation(station, minutes int) Command {
	return Command{
		Action:  ActionSprinkleStation,
		Station: clamp(station, MinStation, MaxStation),
		Minutes: clamp(minutes, MinMinutes, MaxMinutes),
	}
}

// SprinkleAll waters every station for the given minutes each.
func SprinkleAll(minutes int) Command {
	return Command{Action: ActionSprinkleAll, Minutes: clamp(minutes, MinMinutes, MaxMinutes)}
}

// RunProgram starts a program stored in the controller.
func RunProgram(program int) Command {
	return Command{Action: ActionRunProgram, Program: clamp(program, MinProgram, MaxProgram)}
}

// StopManualSprinkle stops any running manual watering.
func StopManualSprinkle() Command { return Command{Action: ActionStopManual} }

// NewCommand builds the clamped command for an action.
func NewCommand(a Action, p Params) (Command, error) {
	switch a {
	case ActionTurnOn:
		return TurnOn(), nil
	case ActionTurnOffPermanent:
		return TurnOffPermanent(), nil
	case ActionTurnOffDays:
		return TurnOffDays(p.Days), nil
	case ActionSprinkleStation:
		return SprinkleStation(p.Station, p.Minutes), nil
	case ActionSprinkleAll:
		return SprinkleAll(p.Minutes), nil
	case ActionRunProgram:
		return RunProgram(p.Program), nil
	case ActionStopManual:
		return StopManualSprinkle(), nil
	default:
		return Command{}, fmt.Errorf("protocol: unknown action %v", a)
	}
}

// Encode clamps the parameters and returns the primary frame for an action.
func Encode(a Action, p Params) ([]byte, error) {
	cmd, err := NewCommand(a, p)
	if err != nil {
		return nil, err
	}
	return cmd.Encode()
}

// Encode returns the primary command frame.
//
//	turn on          3105 12 FF 00 FFFF
//	turn off         3105 C0 00 00 0000
//	turn off N days  3105 15 00 dd FFFF
//	sprinkle station 3105 22 ss 00 mm FFFF
//	sprinkle all     3105 23 00 mm FFFF
//	run program      3105 21 pp 00 FFFF
//	stop manual      3105 24 00 00 FFFF
func (c Command) Encode() ([]byte, error) {
	switch c.Action {
	case ActionTurnOn:
		return frame(OpTurnOn, trailerOpen, 0xFF, 0x00), nil
	case ActionTurnOffPermanent:
		return frame(OpTurnOff, 0x0000, 0x00, 0x00), nil
	case ActionTurnOffDays:
		days := clamp(c.Days, MinDays, MaxDays)
		if days > 0xFF {
			return nil, fmt.Errorf("%w: days=%d", ErrFieldOverflow, days)
		}
		return frame(OpTurnOffDays, trailerOpen, 0x00, byte(days)), nil
	case ActionSprinkleStation:
		station := clamp(c.Station, MinStation, MaxStation)
		minutes := clamp(c.Minutes, MinMinutes, MaxMinutes)
		return frame(OpSprinkleStation, trailerOpen, byte(station), 0x00, byte(minutes)), nil
	case ActionSprinkleAll:
		minutes := clamp(c.Minutes, MinMinutes, MaxMinutes)
		return frame(OpSprinkleAll, trailerOpen, 0x00, byte(minutes)), nil
	case ActionRunProgram:
		program := clamp(c.Program, MinProgram, MaxProgram)
		return frame(OpRunProgram, trailerOpen, byte(program), 0x00), nil
	case ActionStopManual:
		return frame(OpStopManual, trailerOpen, 0x00, 0x00), nil
	default:
		return nil, fmt.Errorf("protocol: unknown action %v", c.Action)
	}
}

// CommitFrame returns the constant frame that must follow a successful
// command write. A fresh slice is returned on every call.
func CommitFrame() []byte {
	return []byte{0x3B, 0x00}
}

// frame lays out group marker, opcode, the one-byte fields and the
// big-endian two-byte trailer.
func frame(op Opcode, trailer uint16, fields ...byte) []byte {
	buf := make([]byte, 0, 2+1+len(fields)+2)
	buf = binary.BigEndian.AppendUint16(buf, GroupMarker)
	buf = append(buf, byte(op))
	buf = append(buf, fields...)
	buf = binary.BigEndian.AppendUint16(buf, trailer)
	return buf
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
