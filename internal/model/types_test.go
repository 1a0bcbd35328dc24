package model

import "testing"

func TestRateForSpeed(t *testing.T) {
	tests := []struct {
		speed string
		want  int
	}{
		{SpeedFast, 20},
		{SpeedNormal, 10},
		{SpeedSlow, 6},
		{"", 10},
		{"warp", 10},
	}
	for _, tt := range tests {
		if got := RateForSpeed(tt.speed); got != tt.want {
			t.Errorf("RateForSpeed(%q) = %d, want %d", tt.speed, got, tt.want)
		}
	}
}

func TestMediaRefIsZero(t *testing.T) {
	if !(MediaRef{}).IsZero() {
		t.Error("empty ref should be zero")
	}
	if (MediaRef{URL: "https://x/a.png"}).IsZero() {
		t.Error("URL ref should not be zero")
	}
	if (MediaRef{AssetID: "a1"}).IsZero() {
		t.Error("asset ref should not be zero")
	}
}
