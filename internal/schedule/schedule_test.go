package schedule

import (
	"testing"
	"time"
)

func TestParseAction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    Action
		wantErr bool
	}{
		{name: "restart", raw: "restart", want: ActionRestart},
		{name: "upper and spaces", raw: "  SCALE_UP ", want: ActionScaleUp},
		{name: "signal", raw: "signal", want: ActionSignal},
		{name: "unknown", raw: "reboot", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAction(%q) = %v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAction(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseAction(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	if StatusActive.Terminal() || StatusPaused.Terminal() {
		t.Fatal("active/paused must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("completed/failed must be terminal")
	}
}

func TestScheduleCloneIsDeep(t *testing.T) {
	t.Parallel()
	next := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	orig := &Schedule{
		ID:           NewID(),
		Name:         "nightly",
		ActionParams: map[string]string{"signal": "SIGHUP"},
		NextRunAt:    &next,
	}

	cp := orig.Clone()
	cp.ActionParams["signal"] = "SIGTERM"
	*cp.NextRunAt = next.Add(time.Hour)

	if orig.ActionParams["signal"] != "SIGHUP" {
		t.Fatal("clone shares ActionParams map")
	}
	if !orig.NextRunAt.Equal(next) {
		t.Fatal("clone shares NextRunAt pointer")
	}
}
