package friction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestEngine(cfg Config) (*Engine, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return New(cfg, WithClock(func() time.Time { return now })), &now
}

func TestLevelThresholds(t *testing.T) {
	e, _ := newTestEngine(DefaultConfig())

	cases := []struct {
		name    string
		signals Signals
		level   Level
	}{
		{"benign", Signals{}, LevelNone},
		// 0.3*0.8 + 0.15*0.8 = 0.36
		{"mild", Signals{Criticality: 0.8, Uncertainty: 0.8}, LevelInfo},
		// 0.3 + 0.25*0.8 + 0.15*0.8 = 0.62
		{"risky", Signals{Criticality: 1, Irreversibility: 0.8, TrustDeficit: 0.8}, LevelConfirm},
		// 0.3 + 0.25 + 0.15*0.8*3 = 0.91
		{"severe", Signals{Criticality: 1, Irreversibility: 1, Uncertainty: 0.8, DepthRatio: 0.8, TrustDeficit: 0.8}, LevelMandatoryHuman},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Evaluate(tc.signals)
			assert.Equal(t, tc.level, got.Level, "score %.3f", got.Score)
		})
	}
}

func TestSignalsClamp(t *testing.T) {
	e, _ := newTestEngine(DefaultConfig())

	got := e.Evaluate(Signals{Criticality: 7, Irreversibility: -3})
	assert.LessOrEqual(t, got.Score, 1.0)
	assert.GreaterOrEqual(t, got.Score, 0.0)
}

func TestAntiFatigueReducesRepeatEscalations(t *testing.T) {
	e, _ := newTestEngine(Config{AntiFatigueWindow: time.Minute, AntiFatigueMaxEscalations: 3})
	confirm := Signals{Criticality: 1, Irreversibility: 0.8, TrustDeficit: 0.8}
	info := Signals{Criticality: 0.8, Uncertainty: 0.8}

	for i := 0; i < 3; i++ {
		got := e.Evaluate(confirm)
		assert.Equal(t, LevelConfirm, got.Level)
		assert.False(t, got.Suppressed)
	}

	got := e.Evaluate(confirm)
	assert.Equal(t, LevelInfo, got.Level)
	assert.Equal(t, LevelConfirm, got.RawLevel)
	assert.True(t, got.Suppressed)

	got = e.Evaluate(info)
	assert.Equal(t, LevelNone, got.Level)
	assert.True(t, got.Suppressed)
}

func TestMandatoryHumanNeverReduced(t *testing.T) {
	e, _ := newTestEngine(Config{AntiFatigueWindow: time.Minute, AntiFatigueMaxEscalations: 1})
	severe := Signals{Criticality: 1, Irreversibility: 1, Uncertainty: 1, DepthRatio: 1, TrustDeficit: 1}

	e.Evaluate(severe)
	got := e.Evaluate(severe)
	assert.Equal(t, LevelMandatoryHuman, got.Level)
	assert.False(t, got.Suppressed)
}

func TestWindowExpiryRestoresFullFriction(t *testing.T) {
	e, now := newTestEngine(Config{AntiFatigueWindow: time.Minute, AntiFatigueMaxEscalations: 2})
	confirm := Signals{Criticality: 1, Irreversibility: 0.8, TrustDeficit: 0.8}

	e.Evaluate(confirm)
	e.Evaluate(confirm)
	assert.True(t, e.Evaluate(confirm).Suppressed)

	*now = now.Add(2 * time.Minute)
	got := e.Evaluate(confirm)
	assert.Equal(t, LevelConfirm, got.Level)
	assert.False(t, got.Suppressed)
}
