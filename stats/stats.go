// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package stats implements the tracker's stats counter bank (C2): atomic
// gauges and cumulative counters keyed by the enumerated event set of
// spec.md §6, plus response-time percentile tracking.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/pushrax/faststats"
	"github.com/pushrax/flatjson"

	"github.com/torrtrack/chihaya/config"
)

// Event enumerates every counter the admin API exposes under
// /api/stats. Order matches spec.md §6 exactly.
type Event int

const (
	Torrents Event = iota
	TorrentsUpdates
	Users
	UsersUpdates
	TimestampSave
	TimestampTimeout
	TimestampConsole
	TimestampKeysTimeout
	Seeds
	Peers
	Completed
	WhitelistEnabled
	Whitelist
	WhitelistUpdates
	BlacklistEnabled
	Blacklist
	BlacklistUpdates
	Key
	KeyUpdates
	Tcp4NotFound
	Tcp4Failure
	Tcp4ConnectionsHandled
	Tcp4ApiHandled
	Tcp4AnnouncesHandled
	Tcp4ScrapesHandled
	Tcp6NotFound
	Tcp6Failure
	Tcp6ConnectionsHandled
	Tcp6ApiHandled
	Tcp6AnnouncesHandled
	Tcp6ScrapesHandled
	Udp4BadRequest
	Udp4InvalidRequest
	Udp4ConnectionsHandled
	Udp4AnnouncesHandled
	Udp4ScrapesHandled
	Udp6BadRequest
	Udp6InvalidRequest
	Udp6ConnectionsHandled
	Udp6AnnouncesHandled
	Udp6ScrapesHandled

	numEvents
)

var eventNames = [numEvents]string{
	Torrents:               "Torrents",
	TorrentsUpdates:        "TorrentsUpdates",
	Users:                  "Users",
	UsersUpdates:           "UsersUpdates",
	TimestampSave:          "TimestampSave",
	TimestampTimeout:       "TimestampTimeout",
	TimestampConsole:       "TimestampConsole",
	TimestampKeysTimeout:   "TimestampKeysTimeout",
	Seeds:                  "Seeds",
	Peers:                  "Peers",
	Completed:              "Completed",
	WhitelistEnabled:       "WhitelistEnabled",
	Whitelist:              "Whitelist",
	WhitelistUpdates:       "WhitelistUpdates",
	BlacklistEnabled:       "BlacklistEnabled",
	Blacklist:              "Blacklist",
	BlacklistUpdates:       "BlacklistUpdates",
	Key:                    "Key",
	KeyUpdates:             "KeyUpdates",
	Tcp4NotFound:           "Tcp4NotFound",
	Tcp4Failure:            "Tcp4Failure",
	Tcp4ConnectionsHandled: "Tcp4ConnectionsHandled",
	Tcp4ApiHandled:         "Tcp4ApiHandled",
	Tcp4AnnouncesHandled:   "Tcp4AnnouncesHandled",
	Tcp4ScrapesHandled:     "Tcp4ScrapesHandled",
	Tcp6NotFound:           "Tcp6NotFound",
	Tcp6Failure:            "Tcp6Failure",
	Tcp6ConnectionsHandled: "Tcp6ConnectionsHandled",
	Tcp6ApiHandled:         "Tcp6ApiHandled",
	Tcp6AnnouncesHandled:   "Tcp6AnnouncesHandled",
	Tcp6ScrapesHandled:     "Tcp6ScrapesHandled",
	Udp4BadRequest:         "Udp4BadRequest",
	Udp4InvalidRequest:     "Udp4InvalidRequest",
	Udp4ConnectionsHandled: "Udp4ConnectionsHandled",
	Udp4AnnouncesHandled:   "Udp4AnnouncesHandled",
	Udp4ScrapesHandled:     "Udp4ScrapesHandled",
	Udp6BadRequest:         "Udp6BadRequest",
	Udp6InvalidRequest:     "Udp6InvalidRequest",
	Udp6ConnectionsHandled: "Udp6ConnectionsHandled",
	Udp6AnnouncesHandled:   "Udp6AnnouncesHandled",
	Udp6ScrapesHandled:     "Udp6ScrapesHandled",
}

func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return "Unknown"
	}
	return eventNames[e]
}

// DefaultStats is the process-wide stats bank used by the package-level
// RecordEvent/Set/Snapshot helpers.
var DefaultStats *Stats

// PercentileTimes tracks response-time percentiles in milliseconds.
type PercentileTimes struct {
	P50 *faststats.Percentile
	P90 *faststats.Percentile
	P95 *faststats.Percentile
}

// Stats is the counter bank (C2). Every counter is an independent
// sync/atomic int64: readers see a slightly skewed but never torn
// snapshot, which is acceptable for an observability surface (spec.md §9).
type Stats struct {
	Started time.Time

	GoRoutines int `json:"runtimeGoRoutines"`

	ResponseTime PercentileTimes

	*MemStatsWrapper `json:",omitempty"`

	counters [numEvents]int64

	recordMemStats <-chan time.Time
	responseTimes  chan time.Duration

	flattened flatjson.Map
}

// New returns a Stats bank configured per the StatsConfig.
func New(cfg config.StatsConfig) *Stats {
	s := &Stats{
		Started: time.Now(),
		ResponseTime: PercentileTimes{
			P50: faststats.NewPercentile(0.5),
			P90: faststats.NewPercentile(0.9),
			P95: faststats.NewPercentile(0.95),
		},
		responseTimes: make(chan time.Duration, cfg.BufferSize),
	}

	if cfg.IncludeMem {
		s.MemStatsWrapper = NewMemStatsWrapper(cfg.VerboseMem)
		s.recordMemStats = time.NewTicker(cfg.MemUpdateInterval.Duration).C
	}

	s.flattened = flatjson.Flatten(s)
	go s.handlePercentiles()
	return s
}

func (s *Stats) handlePercentiles() {
	for {
		select {
		case d, ok := <-s.responseTimes:
			if !ok {
				return
			}
			f := float64(d) / float64(time.Millisecond)
			s.ResponseTime.P50.AddSample(f)
			s.ResponseTime.P90.AddSample(f)
			s.ResponseTime.P95.AddSample(f)

		case <-s.recordMemStats:
			s.MemStatsWrapper.Update()
		}
	}
}

// Flattened returns the flat-JSON view used by /api/stats?flatten.
func (s *Stats) Flattened() flatjson.Map { return s.flattened }

// Close shuts down the stats bank's background goroutine.
func (s *Stats) Close() { close(s.responseTimes) }

// Uptime reports how long the tracker has been running.
func (s *Stats) Uptime() time.Duration { return time.Since(s.Started) }

// RecordEvent adds delta (default 1) to the given counter atomically.
func (s *Stats) RecordEvent(event Event, delta ...int64) {
	d := int64(1)
	if len(delta) > 0 {
		d = delta[0]
	}
	atomic.AddInt64(&s.counters[event], d)
}

// Set assigns an absolute value to a gauge-style counter (used for the
// Timestamp* events and the *Enabled booleans).
func (s *Stats) Set(event Event, value int64) {
	atomic.StoreInt64(&s.counters[event], value)
}

// Get reads a counter's current value.
func (s *Stats) Get(event Event) int64 {
	return atomic.LoadInt64(&s.counters[event])
}

// RecordTiming records an HTTP response-time sample.
func (s *Stats) RecordTiming(d time.Duration) {
	select {
	case s.responseTimes <- d:
	default:
	}
}

// Snapshot returns every counter keyed by its spec.md §6 name, for JSON
// serving by the admin API's /api/stats endpoint.
func (s *Stats) Snapshot() map[string]int64 {
	out := make(map[string]int64, numEvents)
	for e := Event(0); e < numEvents; e++ {
		out[e.String()] = s.Get(e)
	}
	return out
}

// RecordEvent broadcasts an event to the default stats bank.
func RecordEvent(event Event, delta ...int64) {
	if DefaultStats != nil {
		DefaultStats.RecordEvent(event, delta...)
	}
}

// Set assigns an absolute value on the default stats bank.
func Set(event Event, value int64) {
	if DefaultStats != nil {
		DefaultStats.Set(event, value)
	}
}

// Get reads a counter from the default stats bank.
func Get(event Event) int64 {
	if DefaultStats == nil {
		return 0
	}
	return DefaultStats.Get(event)
}

// RecordTiming broadcasts a response-time sample to the default stats bank.
func RecordTiming(d time.Duration) {
	if DefaultStats != nil {
		DefaultStats.RecordTiming(d)
	}
}
