package app

import (
	"testing"
	"time"
)

func TestNextFireTime(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{
			name: "before the hour fires same day",
			now:  time.Date(2026, 2, 14, 4, 30, 0, 0, time.UTC),
			hour: 6,
			want: time.Date(2026, 2, 14, 6, 0, 0, 0, time.UTC),
		},
		{
			name: "after the hour fires next day",
			now:  time.Date(2026, 2, 14, 7, 0, 0, 0, time.UTC),
			hour: 6,
			want: time.Date(2026, 2, 15, 6, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly on the hour fires next day",
			now:  time.Date(2026, 2, 14, 6, 0, 0, 0, time.UTC),
			hour: 6,
			want: time.Date(2026, 2, 15, 6, 0, 0, 0, time.UTC),
		},
		{
			name: "midnight hour",
			now:  time.Date(2026, 2, 14, 23, 59, 0, 0, time.UTC),
			hour: 0,
			want: time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := nextFireTime(tc.now, tc.hour)
			if !got.Equal(tc.want) {
				t.Fatalf("nextFireTime(%v, %d) = %v, want %v", tc.now, tc.hour, got, tc.want)
			}
		})
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if got := Run([]string{"frobnicate"}); got != 2 {
		t.Fatalf("Run(unknown) = %d, want 2", got)
	}
}

func TestRunNoArgs(t *testing.T) {
	if got := Run(nil); got != 2 {
		t.Fatalf("Run(nil) = %d, want 2", got)
	}
}
