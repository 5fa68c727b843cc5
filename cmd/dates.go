package cmd

import (
	"errors"
	"time"

	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

// parseWindow resolves --from/--to flags. Both empty yields def; a missing
// --to means today. Days may be natural language ("yesterday").
func parseWindow(from, to string, now time.Time, def timecalc.Range) (timecalc.Range, error) {
	switch {
	case from == "" && to == "":
		return def, nil
	case from == "":
		return timecalc.Range{}, errors.New("--from is required when --to is specified")
	}

	start, err := timecalc.ParseDay(from, now)
	if err != nil {
		return timecalc.Range{}, err
	}
	end := timecalc.Day(now)
	if to != "" {
		if end, err = timecalc.ParseDay(to, now); err != nil {
			return timecalc.Range{}, err
		}
	}
	return timecalc.NewRange(start, end)
}

// lastDays is the window of n calendar days ending today.
func lastDays(now time.Time, n int) timecalc.Range {
	if n < 1 {
		n = 1
	}
	today := timecalc.Day(now)
	return timecalc.Range{From: today.AddDate(0, 0, -(n - 1)), To: today}
}
