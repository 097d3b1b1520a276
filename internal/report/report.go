// Package report implements the minimal KPI rollup the "report" CLI
// subcommand renders: a daily/30-day delta view over the feedback loop's
// periodic global snapshots. Grounded on app.kpiCollector's UTC-day
// rollover and 30-day pruned sample window, generalized from maker/taker
// signal bookkeeping to the feedback loop's Bucket accounting.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hlcore/perptrader/internal/feedback"
	"github.com/hlcore/perptrader/internal/persist"
)

// Snapshot is one reportTick's worth of global feedback state, the record
// shape appended to the "reports" stream.
type Snapshot struct {
	At     time.Time
	Global feedback.Bucket
}

// Collector holds the full reports history loaded from a stream
// directory, in chronological order.
type Collector struct {
	samples []Snapshot
}

// Load reads every "reports" record persisted under streamDir.
func Load(streamDir string) (*Collector, error) {
	c := &Collector{}
	err := persist.ReadStreamDir(streamDir, "reports", func(line []byte) error {
		var s Snapshot
		if err := json.Unmarshal(line, &s); err != nil {
			return err
		}
		c.samples = append(c.samples, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(c.samples, func(i, j int) bool { return c.samples[i].At.Before(c.samples[j].At) })
	return c, nil
}

// Summary is the rendered view for one `report` invocation.
type Summary struct {
	AsOf             time.Time
	Fills            int
	Wins             int
	Losses           int
	WinRate          float64
	RealizedPnl      float64
	Fees             float64
	SlippageUsd      float64
	TradedNotional   float64
	DailyRealizedPnl float64
	Window30dPnl     float64
	Window30dDays    int
}

// Summarize computes the daily and 30-day rollup as of now, mirroring
// kpiCollector.snapshot's day-boundary-diff and 30d-window-diff approach:
// the daily figure is latest-minus-first-sample-of-the-UTC-day, the 30d
// figure is latest-minus-oldest-sample-still-inside-the-window.
func (c *Collector) Summarize(now time.Time) Summary {
	if len(c.samples) == 0 {
		return Summary{AsOf: now}
	}
	latest := c.samples[len(c.samples)-1]
	sum := Summary{
		AsOf:           now,
		Fills:          latest.Global.Fills,
		Wins:           latest.Global.Wins,
		Losses:         latest.Global.Losses,
		RealizedPnl:    latest.Global.RealizedPnl,
		Fees:           latest.Global.Fees,
		SlippageUsd:    latest.Global.SlippageUsd,
		TradedNotional: latest.Global.TradedNotional,
	}
	if latest.Global.Wins+latest.Global.Losses > 0 {
		sum.WinRate = float64(latest.Global.Wins) / float64(latest.Global.Wins+latest.Global.Losses)
	}

	dayStart := now.UTC().Truncate(24 * time.Hour)
	if dayBase := firstAtOrAfter(c.samples, dayStart); dayBase != nil {
		sum.DailyRealizedPnl = latest.Global.RealizedPnl - dayBase.Global.RealizedPnl
	}

	cutoff := now.Add(-30 * 24 * time.Hour)
	if windowBase := firstAtOrAfter(c.samples, cutoff); windowBase != nil {
		sum.Window30dPnl = latest.Global.RealizedPnl - windowBase.Global.RealizedPnl
		if latest.At.After(windowBase.At) {
			sum.Window30dDays = int(latest.At.Sub(windowBase.At).Hours()/24) + 1
		}
	}
	return sum
}

func firstAtOrAfter(samples []Snapshot, cutoff time.Time) *Snapshot {
	for i := range samples {
		if !samples[i].At.Before(cutoff) {
			return &samples[i]
		}
	}
	return nil
}

// Render writes a plain-text report table to w.
func Render(w io.Writer, s Summary) {
	fmt.Fprintf(w, "report as of %s\n", s.AsOf.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  fills:            %d (win rate %.1f%%)\n", s.Fills, s.WinRate*100)
	fmt.Fprintf(w, "  realized pnl:     %.2f usd\n", s.RealizedPnl)
	fmt.Fprintf(w, "  fees:             %.2f usd\n", s.Fees)
	fmt.Fprintf(w, "  slippage:         %.2f usd\n", s.SlippageUsd)
	fmt.Fprintf(w, "  traded notional:  %.2f usd\n", s.TradedNotional)
	fmt.Fprintf(w, "  daily pnl:        %.2f usd\n", s.DailyRealizedPnl)
	fmt.Fprintf(w, "  30d pnl (%d d):    %.2f usd\n", s.Window30dDays, s.Window30dPnl)
}
