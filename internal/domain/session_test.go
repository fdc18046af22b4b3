package domain

import "testing"

func TestStatusCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusWaiting, StatusActive, true},
		{StatusWaiting, StatusClosed, true},
		{StatusActive, StatusClosed, true},
		{StatusActive, StatusWaiting, false},
		{StatusClosed, StatusWaiting, false},
		{StatusClosed, StatusActive, false},
		{StatusClosed, StatusClosed, false},
		{StatusWaiting, StatusWaiting, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusWaiting, StatusActive, StatusClosed} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("pending").Valid() {
		t.Error("unknown status should be invalid")
	}
}
