package sim

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"grid-maker-go/market"
)

// LoadSamples 读取 "time_ms,bid,ask" 格式的 CSV，首行可为表头。
// 时间必须单调不减；bid/ask 非法的行返回错误并带上行号。
func LoadSamples(r io.Reader) ([]market.PriceSample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true

	var (
		out  []market.PriceSample
		last time.Time
		line int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(rec[0], "time_ms") {
			continue
		}
		ms, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: time: %w", line, err)
		}
		bid, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bid: %w", line, err)
		}
		ask, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: ask: %w", line, err)
		}
		ts := time.UnixMilli(ms).UTC()
		if ts.Before(last) {
			return nil, fmt.Errorf("line %d: time goes backwards", line)
		}
		s, err := market.NewPriceSample(bid, ask, ts)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		last = ts
		out = append(out, s)
	}
	return out, nil
}
