package sim

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/internal/engine"
	"grid-maker-go/market"
)

func replayConfig() engine.Config {
	cfg := engine.DefaultConfig("BTCUSDT")
	cfg.SpreadBps = 10
	cfg.LevelCount = 2
	cfg.LevelSpacingBps = 5
	cfg.OrderSize = 1
	cfg.InventoryLimit = 5
	cfg.ROCLagWindow = 3
	cfg.ROCPauseThresholdBps = 20
	cfg.ROCForceThresholdBps = 50
	cfg.MinPauseDuration = 30 * time.Second
	cfg.VolatilityWindow = 3
	cfg.SampleInterval = 0
	cfg.CycleInterval = time.Hour
	cfg.CheckpointInterval = time.Hour
	return cfg
}

func mids(t *testing.T, values ...float64) []market.PriceSample {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.PriceSample, 0, len(values))
	for i, mid := range values {
		s, err := market.NewPriceSample(mid-0.01, mid+0.01, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func TestReplayRoundTrip(t *testing.T) {
	r := &Replay{Config: replayConfig()}
	// 报价在第 4 个样本后挂出；跌到 99.88 吃掉第 0 档买单，回到 100 吃掉重新报价的第 0 档卖单
	rep, err := r.Run(context.Background(), mids(t, 100, 100, 100, 100, 100, 99.88, 99.88, 100))
	require.NoError(t, err)

	assert.Equal(t, 8, rep.Samples)
	assert.False(t, rep.Halted)
	assert.Equal(t, int64(2), rep.Fills)
	assert.InDelta(t, 0, rep.NetSize, 1e-9)
	assert.Greater(t, rep.RealizedPnL, 0.0)
	assert.InDelta(t, 1, rep.MaxAbsNet, 1e-9)
}

func TestReplayNoQuotesBeforeLag(t *testing.T) {
	r := &Replay{Config: replayConfig()}
	rep, err := r.Run(context.Background(), mids(t, 100, 90, 80))
	require.NoError(t, err)
	assert.Zero(t, rep.Fills)
	assert.Zero(t, rep.NetSize)
}

func TestReplayRejectsEmptyInput(t *testing.T) {
	_, err := (&Replay{Config: replayConfig()}).Run(context.Background(), nil)
	assert.Error(t, err)

	cfg := replayConfig()
	cfg.SpreadBps = 0
	_, err = (&Replay{Config: cfg}).Run(context.Background(), mids(t, 100))
	assert.Error(t, err)
}

func TestLoadSamples(t *testing.T) {
	in := "time_ms,bid,ask\n1700000000000,99.9,100.1\n1700000001000, 100.0, 100.2\n"
	samples, err := LoadSamples(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.InDelta(t, 100, samples[0].Mid, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000001000).UTC(), samples[1].Time)

	cases := map[string]string{
		"backwards":    "2000,1,2\n1000,1,2\n",
		"crossed":      "1000,2,1\n",
		"bad number":   "1000,x,2\n",
		"short record": "1000,1\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSamples(strings.NewReader(raw))
			assert.Error(t, err)
		})
	}
}
