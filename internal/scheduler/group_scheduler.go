// Package scheduler assigns each scheduled prediction config a
// round-robin slot within its (horizon, steps, interval) group, so that
// a single worker loop can ask "what's due right now" without iterating
// every asset on every tick. Ported in full from
// condorgame_backend/entities/prediction.py's GroupScheduler, a
// restart-safe LRU/round-robin scheduler originally written for a
// single-process trading bot and reused here unchanged because the
// coordinator has the identical "poll one shared loop, fan out to many
// assets on a shared cadence" shape.
package scheduler

import (
	"fmt"
	"math"
	"time"

	"coordinator/internal/models"
)

// GroupScheduler schedules prediction requests for a group of assets
// sharing the same horizon, steps, and prediction interval. It cycles
// through assets in round-robin order while tracking each asset's last
// execution time to support restart/catch-up behavior.
//
// Typical usage:
//
//	schedulers := CreateGroupSchedulers(configs)
//	sched.SetLastExecutions(loadedExecutions) // after a restart
//	params := sched.Next(now, latestInfoDt)
//	if params != nil {
//	    ... call predict(params) ...
//	    sched.MarkExecuted(params.Asset, now)
//	}
//
// Next(dt, latestInfoDt) returns nil if dt is before nextRun. Assets are
// selected in round-robin order; if the selected asset is not "ready"
// (latestInfoDt is not newer than its last execution), the scheduler
// advances to the next asset and returns nil without executing it. After
// every advance, nextRun moves to dt+perAssetDelta (or to the newly
// selected asset's last execution plus perAssetDelta, if that is later)
// unless the newly selected asset is "late" (its own cooldown already
// elapsed), in which
// case nextRun is set to dt to catch up immediately. Timestamps are
// assumed UTC throughout.
type GroupScheduler struct {
	Horizon            int
	Steps              []int64
	PredictionInterval float64 // seconds, for the whole group
	Assets             []string

	index      int
	nextRun    time.Time
	lastExecTs map[string]float64 // asset -> unix seconds

	perAssetDelta time.Duration
}

// NewGroupScheduler builds a scheduler for one (horizon, steps, interval)
// group. assets must be non-empty.
func NewGroupScheduler(horizon int, steps []int64, predictionInterval float64, assets []string) (*GroupScheduler, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("scheduler: assets cannot be empty")
	}
	return &GroupScheduler{
		Horizon:            horizon,
		Steps:              steps,
		PredictionInterval: predictionInterval,
		Assets:             assets,
		nextRun:            time.Now().UTC(),
		lastExecTs:         map[string]float64{},
		perAssetDelta:      time.Duration(predictionInterval / float64(len(assets)) * float64(time.Second)),
	}, nil
}

// Execution pairs a scheduled config's identity with when it last ran,
// as loaded from storage on restart.
type Execution struct {
	Params      models.PredictionParams
	PerformedAt time.Time
}

// SetLastExecutions restricts executions to rows matching this group's
// (horizon, steps), records their timestamps, and starts the scheduler
// from the least-recently-executed asset.
func (g *GroupScheduler) SetLastExecutions(executions []Execution) {
	g.lastExecTs = map[string]float64{}

	for _, ex := range executions {
		if ex.Params.Horizon != g.Horizon {
			continue
		}
		if !stepsEqual(ex.Params.Steps, g.Steps) {
			continue
		}
		if !contains(g.Assets, ex.Params.Asset) {
			continue
		}
		g.lastExecTs[ex.Params.Asset] = toTs(ex.PerformedAt)
	}

	if len(g.lastExecTs) > 0 {
		g.StartFromLRUAsset()
	}
}

// Next returns the next prediction params to run, or nil if not due yet.
// latestInfoDt may be the zero time to mean "no fresh info available".
func (g *GroupScheduler) Next(dt time.Time, latestInfoDt *time.Time) *models.PredictionParams {
	if dt.Before(g.nextRun) {
		return nil
	}

	asset := g.Assets[g.index]

	if latestInfoDt != nil && !g.isReady(asset, latestInfoDt) {
		g.advanceSchedule(dt)
		return nil
	}

	g.advanceSchedule(dt)
	return &models.PredictionParams{Asset: asset, Horizon: g.Horizon, Steps: g.Steps}
}

// MarkExecuted records asset as having run at dt. A no-op for assets not
// in this group.
func (g *GroupScheduler) MarkExecuted(asset string, dt time.Time) {
	if !contains(g.Assets, asset) {
		return
	}
	g.lastExecTs[asset] = toTs(dt)
}

// StartFromLRUAsset points the schedule at the least-recently-executed
// asset; assets never seen in lastExecTs are treated as "never executed"
// and sort first.
func (g *GroupScheduler) StartFromLRUAsset() {
	if len(g.Assets) == 0 {
		g.index = 0
		return
	}

	lru := g.Assets[0]
	lruTs := g.tsOrNeverExecuted(lru)
	for _, asset := range g.Assets[1:] {
		ts := g.tsOrNeverExecuted(asset)
		if ts < lruTs {
			lru = asset
			lruTs = ts
		}
	}

	for i, asset := range g.Assets {
		if asset == lru {
			g.index = i
			break
		}
	}
	g.nextRun = unixToTime(g.lastExecTs[lru]).Add(time.Duration(g.PredictionInterval * float64(time.Second)))
}

func (g *GroupScheduler) tsOrNeverExecuted(asset string) float64 {
	if ts, ok := g.lastExecTs[asset]; ok {
		return ts
	}
	return math.Inf(-1)
}

func (g *GroupScheduler) advanceSchedule(dt time.Time) {
	g.index = (g.index + 1) % len(g.Assets)
	candidateNextRun := dt.Add(g.perAssetDelta)

	if lastExecTs, ok := g.lastExecTs[g.Assets[g.index]]; ok {
		lastExecDt := unixToTime(lastExecTs)
		nextScheduledDeadline := lastExecDt.Add(time.Duration(g.PredictionInterval * float64(time.Second)))

		if !nextScheduledDeadline.After(dt) {
			// late => catch up: run immediately
			candidateNextRun = dt
		} else {
			floor := lastExecDt.Add(g.perAssetDelta)
			if floor.After(candidateNextRun) {
				candidateNextRun = floor
			}
		}
	}

	g.nextRun = candidateNextRun
}

func (g *GroupScheduler) isReady(asset string, latestInfoDt *time.Time) bool {
	lastExec, ok := g.lastExecTs[asset]
	if !ok {
		return true // never executed => allow once
	}
	if latestInfoDt == nil {
		return false // no info => treat as outdated => skip
	}
	return toTs(*latestInfoDt) > lastExec
}

// PeekAsset returns the asset that would be selected on the next Next
// call, without advancing anything.
func (g *GroupScheduler) PeekAsset() string {
	return g.Assets[g.index]
}

// Index and NextRun expose scheduler state for tests and persistence
// snapshots; callers must not mutate the scheduler through them.
func (g *GroupScheduler) Index() int          { return g.index }
func (g *GroupScheduler) NextRun() time.Time  { return g.nextRun }

// GroupKey identifies the (horizon, steps, interval) group a config
// belongs to, for use as a map key — Go slices aren't comparable, so
// Steps is flattened into the string.
func GroupKey(horizon int, steps []int64, interval float64) string {
	key := fmt.Sprintf("%d|", horizon)
	for _, s := range steps {
		key += fmt.Sprintf("%d,", s)
	}
	return fmt.Sprintf("%s|%v", key, interval)
}

// GroupConfigs partitions configs by (horizon, steps, interval), in
// first-seen order, preserving each group's asset order.
func GroupConfigs(configs []models.ScheduledPredictionConfig) (order []string, groups map[string][]string, meta map[string]struct {
	Horizon  int
	Steps    []int64
	Interval float64
}) {
	groups = map[string][]string{}
	meta = map[string]struct {
		Horizon  int
		Steps    []int64
		Interval float64
	}{}

	for _, cfg := range configs {
		key := GroupKey(cfg.Params.Horizon, cfg.Params.Steps, cfg.EverySeconds)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
			meta[key] = struct {
				Horizon  int
				Steps    []int64
				Interval float64
			}{cfg.Params.Horizon, cfg.Params.Steps, cfg.EverySeconds}
		}
		groups[key] = append(groups[key], cfg.Params.Asset)
	}
	return order, groups, meta
}

// CreateGroupSchedulers builds one GroupScheduler per distinct
// (horizon, steps, interval) group found in configs.
func CreateGroupSchedulers(configs []models.ScheduledPredictionConfig) ([]*GroupScheduler, error) {
	order, groups, meta := GroupConfigs(configs)

	schedulers := make([]*GroupScheduler, 0, len(order))
	for _, key := range order {
		m := meta[key]
		sched, err := NewGroupScheduler(m.Horizon, m.Steps, m.Interval, groups[key])
		if err != nil {
			return nil, err
		}
		schedulers = append(schedulers, sched)
	}
	return schedulers, nil
}

func stepsEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// toTs converts t to unix seconds truncated to the microsecond, the
// finest precision a float64 of that magnitude round-trips exactly
// through unixToTime.
func toTs(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond()/1000)/1e6
}

func unixToTime(ts float64) time.Time {
	sec := math.Floor(ts)
	usec := math.Round((ts - sec) * 1e6)
	return time.Unix(int64(sec), int64(usec)*1000).UTC()
}
