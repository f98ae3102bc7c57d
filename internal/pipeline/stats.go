package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// Stats ranges accepted by the dashboard.
const (
	Range7Days   = "7d"
	Range30Days  = "30d"
	Range6Months = "6m"
)

// ErrUnsupportedRange rejects a stats range other than 7d, 30d or 6m.
var ErrUnsupportedRange = errors.New("unsupported range")

// RangeStart returns the first day covered by a stats range.
func RangeStart(rng string, now time.Time) (time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch rng {
	case "", Range7Days:
		return today.AddDate(0, 0, -6), nil
	case Range30Days:
		return today.AddDate(0, 0, -29), nil
	case Range6Months:
		return today.AddDate(0, -6, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w %q (use 7d, 30d or 6m)", ErrUnsupportedRange, rng)
	}
}

// Stats returns one entry per day of the range, oldest first, with days
// that saw no activity reported as zero. The filter narrows the counts to
// one payer and/or payee.
func (p *Pipeline) Stats(ctx context.Context, rng string, filter domain.StatsFilter) ([]domain.DailyStat, error) {
	now := p.now()
	since, err := RangeStart(rng, now)
	if err != nil {
		return nil, err
	}
	if p.store == nil {
		return nil, fmt.Errorf("statistics need a detection store")
	}

	counted, err := p.store.FraudStats(ctx, since, filter)
	if err != nil {
		return nil, err
	}
	byDay := make(map[string]domain.DailyStat, len(counted))
	for _, s := range counted {
		byDay[s.Day] = s
	}

	var out []domain.DailyStat
	for day := since; !day.After(now); day = day.AddDate(0, 0, 1) {
		key := day.Format(domain.DayFormat)
		s, ok := byDay[key]
		if !ok {
			s = domain.DailyStat{Day: key}
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
