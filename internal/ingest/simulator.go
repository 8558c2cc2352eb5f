package ingest

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/oncopharm/cdss/internal/platform/hl7v2"
)

// Simulated creatinine feed defaults, matching the hospital test harness.
const (
	DefaultFeedInterval = 5 * time.Second
	creatinineMin       = 0.8
	creatinineMax       = 3.5
	creatinineHighFlag  = 1.5
)

// DefaultFeedPatients are the patient ids the simulated feed reports on.
var DefaultFeedPatients = []int64{1001, 1002, 1003}

// FeedConfig configures a SimulatedFeed.
type FeedConfig struct {
	Interval   time.Duration
	Patients   []int64
	SendingApp string
	Seed       uint64

	// Ticks replaces the internal ticker when set.
	Ticks <-chan time.Time
	// Clock stamps generated messages; nil means time.Now.
	Clock func() time.Time
}

// SimulatedFeed emits an ORU^R01 creatinine result for a random patient on
// every tick, standing in for the hospital system's outbound interface.
type SimulatedFeed struct {
	cfg    FeedConfig
	mu     sync.Mutex
	rng    *rand.Rand
	ticker *time.Ticker
	ticks  <-chan time.Time
}

// NewSimulatedFeed returns a feed. The ticker starts on the first Next call.
func NewSimulatedFeed(cfg FeedConfig) *SimulatedFeed {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFeedInterval
	}
	if len(cfg.Patients) == 0 {
		cfg.Patients = DefaultFeedPatients
	}
	if cfg.SendingApp == "" {
		cfg.SendingApp = "TASY"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &SimulatedFeed{
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(seed, seed>>1|1)),
		ticks: cfg.Ticks,
	}
}

// Next waits for the next tick and returns a generated message.
func (f *SimulatedFeed) Next(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	if f.ticks == nil {
		f.ticker = time.NewTicker(f.cfg.Interval)
		f.ticks = f.ticker.C
	}
	ticks := f.ticks
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ticks:
		return f.Generate()
	}
}

// Stop releases the internal ticker.
func (f *SimulatedFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticker != nil {
		f.ticker.Stop()
	}
}

// Generate builds one random creatinine result message.
func (f *SimulatedFeed) Generate() ([]byte, error) {
	f.mu.Lock()
	pid := f.cfg.Patients[f.rng.IntN(len(f.cfg.Patients))]
	value := creatinineMin + f.rng.Float64()*(creatinineMax-creatinineMin)
	f.mu.Unlock()

	value = math.Round(value*100) / 100
	flag := "N"
	if value > creatinineHighFlag {
		flag = "H"
	}

	now := f.cfg.Clock().UTC()
	return hl7v2.GenerateORU(hl7v2.Header{
		SendingApp:   f.cfg.SendingApp,
		SendingFac:   "HOSPITAL",
		ReceivingApp: "ONCOPHARM",
		ReceivingFac: "FARMACIA",
		Timestamp:    now,
	}, strconv.FormatInt(pid, 10), "", []hl7v2.LabResult{{
		Code:         "CREAT",
		Name:         "Creatinina Serica",
		Value:        value,
		Unit:         "mg/dL",
		AbnormalFlag: flag,
		ObservedAt:   now,
	}})
}
