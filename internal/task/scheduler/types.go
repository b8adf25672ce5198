package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postscheduler/internal/eventbus"
	"postscheduler/internal/task/engine"
	logx "postscheduler/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type defKind int

const (
	kindTask defKind = iota
	kindTicker
)

type scheduleDef struct {
	kind    defKind
	name    string
	spec    string // cron spec or "@every <d>"
	every   time.Duration
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	state   *engine.RunState
	entryID cron.EntryID
	stagger time.Duration

	running *atomic.Bool // tickers only
	skipped *atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	defs   []*scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Kind    string        `json:"kind"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
	Skipped uint64        `json:"skipped,omitempty"`
}

type Snapshot struct {
	Running   bool            `json:"running"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
