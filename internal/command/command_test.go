package command

import (
	"errors"
	"math"
	"testing"
)

func TestModeKind(t *testing.T) {
	tests := []struct {
		mode    string
		want    Kind
		wantErr bool
	}{
		{"MANUAL", KindModeManual, false},
		{"AUTONOMOUS", KindModeAuto, false},
		{"", "", true},
		{"manual", "", true},
	}
	for _, tt := range tests {
		got, err := ModeKind(tt.mode)
		if tt.wantErr != (err != nil) {
			t.Errorf("ModeKind(%q) error = %v", tt.mode, err)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("ModeKind(%q) error = %v, want ErrInvalidCommand", tt.mode, err)
		}
		if got != tt.want {
			t.Errorf("ModeKind(%q) = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestJoystickValidate(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name    string
		frame   Joystick
		wantErr bool
	}{
		{"centered", Joystick{}, false},
		{"full deflection", Joystick{Speed: 1, Vector: Vector{X: -1, Y: 1}}, false},
		{"speed NaN", Joystick{Speed: nan}, true},
		{"angle NaN", Joystick{Angle: &nan}, true},
		{"vector out of range", Joystick{Vector: Vector{X: 1.2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.frame.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if !(Joystick{}).Released() || (Joystick{Speed: 0.1}).Released() {
		t.Error("Released() misreports")
	}
}

func TestKindClassification(t *testing.T) {
	if !KindModeAuto.IsMode() || KindStop.IsMode() {
		t.Error("IsMode misclassifies")
	}
	if Kind("DANCE").Known() || !KindTurnLeft.Known() {
		t.Error("Known misclassifies")
	}
	if metricKind("DANCE") != "OTHER" || metricKind(KindStop) != "STOP" {
		t.Error("metricKind does not bound free text")
	}
}
