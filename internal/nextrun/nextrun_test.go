package nextrun

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// 2024-01-01 is a Monday.
func at(day, hour, min, sec int) time.Time {
	return time.Date(2024, time.January, day, hour, min, sec, 0, time.UTC)
}

func TestNext(t *testing.T) {
	cases := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{"minute step", "*/15 * * * *", at(1, 10, 7, 0), at(1, 10, 15, 0)},
		{"minute step wraps hour", "*/15 * * * *", at(1, 10, 50, 0), at(1, 11, 0, 0)},
		{"minute step on boundary moves on", "*/15 * * * *", at(1, 10, 15, 0), at(1, 10, 30, 0)},
		{"minute literal later this hour", "30 * * * *", at(1, 10, 7, 0), at(1, 10, 30, 0)},
		{"minute literal next hour", "30 * * * *", at(1, 10, 45, 0), at(1, 11, 30, 0)},
		{"hour literal passed", "0 9 * * *", at(1, 9, 0, 1), at(2, 9, 0, 0)},
		{"hour literal ahead", "0 9 * * *", at(1, 8, 59, 0), at(1, 9, 0, 0)},
		{"hour step", "0 */6 * * *", at(1, 10, 7, 0), at(1, 12, 0, 0)},
		{"hour step rolls to midnight", "0 */6 * * *", at(1, 22, 30, 0), at(2, 0, 0, 0)},
		{"hour step with minute step", "*/15 */6 * * *", at(1, 10, 7, 0), at(1, 12, 0, 0)},
		{"day of month ahead", "0 0 15 * *", at(1, 10, 0, 0), at(15, 0, 0, 0)},
		{"day of month passed", "30 6 15 * *", at(20, 10, 0, 0), time.Date(2024, time.February, 15, 6, 30, 0, 0, time.UTC)},
		{"weekday later this week", "30 8 * * 3", at(1, 10, 0, 0), at(3, 8, 30, 0)},
		{"weekday today still ahead", "0 12 * * 1", at(1, 10, 0, 0), at(1, 12, 0, 0)},
		{"weekday today passed", "0 0 * * 1", at(1, 10, 0, 0), at(8, 0, 0, 0)},
		{"sunday as 7", "0 0 * * 7", at(1, 10, 0, 0), at(7, 0, 0, 0)},
		{"month ignored", "0 9 * 6 *", at(1, 10, 0, 0), at(2, 9, 0, 0)},
		{"every minute", "* * * * *", at(1, 10, 7, 30), at(1, 10, 8, 0)},
		{"day of month step skips even days", "0 9 */2 * *", at(1, 10, 0, 0), at(3, 9, 0, 0)},
		{"day of month step today still ahead", "0 9 */2 * *", at(1, 8, 0, 0), at(1, 9, 0, 0)},
		{"day of month step restarts next month", "0 0 */10 * *", at(31, 1, 0, 0), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)},
		{"weekday step", "0 9 * * */3", at(1, 10, 0, 0), at(3, 9, 0, 0)},
		{"weekday step reaches saturday", "30 6 * * */3", at(4, 10, 0, 0), at(6, 6, 30, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.expr, tc.now)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Zero(t, got.Second())
		})
	}
}

func TestNextWeekdayProperty(t *testing.T) {
	for target := 0; target < 7; target++ {
		for day := 1; day <= 7; day++ {
			for _, hour := range []int{0, 9, 23} {
				now := at(day, hour, 30, 15)
				e, err := Parse("0 9 * * " + string(rune('0'+target)))
				require.NoError(t, err)
				next := e.Next(now)
				require.Equal(t, time.Weekday(target), next.Weekday())
				require.True(t, next.After(now), "next %s not after %s", next, now)
				require.LessOrEqual(t, next.Sub(now), 7*24*time.Hour)
				if now.Weekday() == time.Weekday(target) && hour >= 9 {
					require.Equal(t, now.AddDate(0, 0, 7).Day(), next.Day())
				}
			}
		}
	}
}

func TestIn(t *testing.T) {
	got, err := In("*/15 * * * *", at(1, 10, 7, 0))
	require.NoError(t, err)
	require.Equal(t, "in 8m", got)

	got, err = In("0 9 * * *", at(1, 9, 0, 1))
	require.NoError(t, err)
	require.Equal(t, "in 23h 59m", got)

	got, err = In("* * * * *", at(1, 10, 7, 30))
	require.NoError(t, err)
	require.Equal(t, "in 30s", got)
}

func TestFormatRelative(t *testing.T) {
	cases := map[int64]string{
		0:     "in 0s",
		59:    "in 59s",
		60:    "in 1m",
		3599:  "in 59m",
		3600:  "in 1h 0m",
		86399: "in 23h 59m",
		86400: "in 1d 0h",
		90061: "in 1d 1h",
		-5:    "in 0s",
	}
	for secs, want := range cases {
		require.Equal(t, want, FormatRelative(secs), "seconds=%d", secs)
	}
}

func TestRemaining(t *testing.T) {
	now := at(1, 10, 0, 0)
	require.Equal(t, int64(0), Remaining(now.Add(-time.Minute), now))
	require.Equal(t, int64(2), Remaining(now.Add(1500*time.Millisecond), now))
	require.Equal(t, int64(60), Remaining(now.Add(time.Minute), now))
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"a * * * *",
		"*/0 * * * *",
		"*/x * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8",
		"* * */0 * *",
		"* * */32 * *",
		"* * * * */8",
		"-1 * * * *",
		"+5 * * * *",
		"1-5 * * * *",
	} {
		_, err := Parse(expr)
		require.Error(t, err, "expr %q", expr)
		require.True(t, errors.Is(err, ErrInvalidExpression), "expr %q", expr)
		_, err = In(expr, at(1, 0, 0, 0))
		require.Error(t, err)
	}
}

func TestParseNormalisesWhitespace(t *testing.T) {
	e, err := Parse("  0   9 *  * 1 ")
	require.NoError(t, err)
	require.Equal(t, "0 9 * * 1", e.String())
	require.Equal(t, Field{Kind: Literal, Value: 9}, e.Hour)
	require.Equal(t, Field{Kind: Any}, e.Month)
}
