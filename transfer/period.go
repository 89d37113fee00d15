package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/almasync/errors"
)

// FormatPeriod renders t in the DHIS2 period format for the given type:
// day 20240315, week 2024W11, month 202403, quarter 2024Q1, year 2024.
func FormatPeriod(pt PeriodType, t time.Time) string {
	switch pt {
	case PeriodDay:
		return t.Format("20060102")
	case PeriodWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%dW%02d", year, week)
	case PeriodQuarter:
		return fmt.Sprintf("%dQ%d", t.Year(), (int(t.Month())-1)/3+1)
	case PeriodYear:
		return fmt.Sprintf("%d", t.Year())
	default:
		return t.Format("200601")
	}
}

// shiftPeriod moves t by n units of the period type. Month based shifts start
// from the first of the month so March 31 minus one month is February, not March 3.
func shiftPeriod(pt PeriodType, t time.Time, n int) time.Time {
	switch pt {
	case PeriodDay:
		return t.AddDate(0, 0, n)
	case PeriodWeek:
		return t.AddDate(0, 0, 7*n)
	case PeriodYear:
		return time.Date(t.Year()+n, time.January, 1, 0, 0, 0, 0, t.Location())
	case PeriodQuarter:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 3*n, 0)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, n, 0)
	}
}

// ResolvePeriods returns the periods a pass covers. Explicit periods win; otherwise
// exactly one period is derived from now, shifted back one unit for RunForPrevious.
func ResolvePeriods(pt PeriodType, runFor RunFor, explicit []string, now time.Time) ([]string, error) {
	if !pt.IsValid() {
		return nil, errors.NewConfigurationError("unsupported period type %q", pt)
	}

	if len(explicit) > 0 {
		seen := make(map[string]bool, len(explicit))
		periods := make([]string, 0, len(explicit))
		for _, raw := range explicit {
			p, err := normalizePeriod(pt, raw)
			if err != nil {
				return nil, err
			}
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			periods = append(periods, p)
		}
		if len(periods) > 0 {
			return periods, nil
		}
	}

	if runFor == RunForPrevious {
		now = shiftPeriod(pt, now, -1)
	}
	return []string{FormatPeriod(pt, now)}, nil
}

// normalizePeriod accepts calendar dates (2024-03-15, 2024-03) and formats them for
// the period type. Anything else is taken to be a DHIS2 period id already.
func normalizePeriod(pt PeriodType, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return FormatPeriod(pt, t), nil
		}
	}
	if strings.ContainsAny(raw, " /;,") {
		return "", errors.NewConfigurationError("malformed period %q", raw)
	}
	return raw, nil
}
