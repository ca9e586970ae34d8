package command

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind names a controller command. Unknown kinds are relayed verbatim to the move endpoint.
type Kind string

// Known command kinds.
const (
	KindMoveForward  Kind = "MOVE_FORWARD"
	KindMoveBackward Kind = "MOVE_BACKWARD"
	KindTurnLeft     Kind = "TURN_LEFT"
	KindTurnRight    Kind = "TURN_RIGHT"
	KindStop         Kind = "STOP"
	KindJoystick     Kind = "JOYSTICK"
	KindModeAuto     Kind = "MODE_AUTO"
	KindModeManual   Kind = "MODE_MANUAL"
)

// Operating modes accepted by SetMode.
const (
	ModeManual     = "MANUAL"
	ModeAutonomous = "AUTONOMOUS"
)

// Known reports whether k is one of the predefined kinds.
func (k Kind) Known() bool {
	switch k {
	case KindMoveForward, KindMoveBackward, KindTurnLeft, KindTurnRight,
		KindStop, KindJoystick, KindModeAuto, KindModeManual:
		return true
	}
	return false
}

// IsMode reports whether k switches the operating mode.
func (k Kind) IsMode() bool {
	return k == KindModeAuto || k == KindModeManual
}

// Vector is a joystick deflection, both axes in [-1,1].
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Command is one controller intent. It is not modified after construction.
type Command struct {
	Kind       Kind            `json:"command"`
	Continuous bool            `json:"continuous,omitempty"`
	Speed      *float64        `json:"speed,omitempty"`
	Direction  json.RawMessage `json:"direction,omitempty"`
	Vector     *Vector         `json:"vector,omitempty"`
	IssuedAt   time.Time       `json:"-"`
}

// Validate checks the kind is present and optional ranges hold.
func (c Command) Validate() error {
	if strings.TrimSpace(string(c.Kind)) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidCommand)
	}
	if c.Speed != nil {
		if err := checkSpeed(*c.Speed); err != nil {
			return err
		}
	}
	if c.Vector != nil {
		if err := checkVector(*c.Vector); err != nil {
			return err
		}
	}
	return nil
}

// Joystick is one analog stick frame from a controller session.
type Joystick struct {
	Speed     float64  `json:"speed"`
	Vector    Vector   `json:"vector"`
	Angle     *float64 `json:"angle,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// Validate checks speed and vector ranges.
func (j Joystick) Validate() error {
	if err := checkSpeed(j.Speed); err != nil {
		return err
	}
	if err := checkVector(j.Vector); err != nil {
		return err
	}
	if j.Angle != nil && (math.IsNaN(*j.Angle) || math.IsInf(*j.Angle, 0)) {
		return fmt.Errorf("%w: angle must be finite", ErrInvalidCommand)
	}
	return nil
}

// Released reports whether the frame centers the stick.
func (j Joystick) Released() bool {
	return j.Speed == 0
}

// LastCommand is the most recently accepted command kind.
type LastCommand struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
}

// NoCommand is reported before any command is accepted.
const NoCommand = "None"

// String returns the kind, or NoCommand when nothing has been accepted yet.
func (l LastCommand) String() string {
	if l.Kind == "" {
		return NoCommand
	}
	return string(l.Kind)
}

// ModeKind maps an operating mode name to its command kind.
func ModeKind(mode string) (Kind, error) {
	switch mode {
	case ModeManual:
		return KindModeManual, nil
	case ModeAutonomous:
		return KindModeAuto, nil
	case "":
		return "", fmt.Errorf("%w: mode is required", ErrInvalidCommand)
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidCommand, mode)
	}
}

func modeName(k Kind) string {
	if k == KindModeAuto {
		return ModeAutonomous
	}
	return ModeManual
}

func checkSpeed(s float64) error {
	if math.IsNaN(s) || s < 0 || s > 1 {
		return fmt.Errorf("%w: speed %v out of range [0,1]", ErrInvalidCommand, s)
	}
	return nil
}

func checkVector(v Vector) error {
	for _, c := range []float64{v.X, v.Y} {
		if math.IsNaN(c) || c < -1 || c > 1 {
			return fmt.Errorf("%w: vector component %v out of range [-1,1]", ErrInvalidCommand, c)
		}
	}
	return nil
}
