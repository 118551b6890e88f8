package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// symbolStats 单交易对汇总；realized_pnl 在事件中是累计值，取最后一条。
type symbolStats struct {
	fills        int
	buyNotional  float64
	sellNotional float64
	realizedPnL  float64
	netSize      float64
	forceCloses  int
	pauses       int
	halted       bool
}

type report map[string]*symbolStats

func (r report) get(sym string) *symbolStats {
	s, ok := r[sym]
	if !ok {
		s = &symbolStats{}
		r[sym] = s
	}
	return s
}

// parse 读取 runner 的 JSON 日志，只统计引擎事件。
func parse(in io.Reader, symbol string, since time.Time) (report, error) {
	rep := report{}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "{")
		if idx == -1 {
			continue
		}
		var evt map[string]interface{}
		if err := json.Unmarshal([]byte(line[idx:]), &evt); err != nil {
			continue
		}
		name, _ := evt["event"].(string)
		sym, _ := evt["symbol"].(string)
		if name == "" || sym == "" || (symbol != "" && sym != symbol) {
			continue
		}
		if !since.IsZero() {
			if ts, err := time.Parse(time.RFC3339Nano, fmt.Sprint(evt["ts"])); err == nil && ts.Before(since) {
				continue
			}
		}

		st := rep.get(sym)
		switch name {
		case "fill_applied":
			notional := toFloat(evt["price"]) * toFloat(evt["size"])
			if evt["side"] == "BID" {
				st.buyNotional += notional
			} else {
				st.sellNotional += notional
			}
			st.fills++
			st.realizedPnL = toFloat(evt["realized_pnl"])
			st.netSize = toFloat(evt["net_size"])
		case "force_close_triggered":
			st.forceCloses++
		case "trend_guard_transition":
			if evt["to"] == "PAUSED" {
				st.pauses++
			}
		case "engine_halted":
			st.halted = true
		}
	}
	return rep, scanner.Err()
}

func main() {
	logPath := flag.String("log", "/var/log/grid-maker/runner.log", "runner 日志路径")
	symbol := flag.String("symbol", "", "仅统计指定交易对 (默认全量)")
	sinceStr := flag.String("since", "", "仅统计此时间之后的记录 (RFC3339，例如 2025-11-22T00:00:00Z)")
	flag.Parse()

	var since time.Time
	if *sinceStr != "" {
		t, err := time.Parse(time.RFC3339Nano, *sinceStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析 since 参数失败: %v\n", err)
			os.Exit(1)
		}
		since = t
	}

	f, err := os.Open(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法读取日志: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	rep, err := parse(f, strings.ToUpper(*symbol), since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取日志出错: %v\n", err)
		os.Exit(1)
	}

	syms := make([]string, 0, len(rep))
	for sym := range rep {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	fmt.Printf("统计文件: %s\n", *logPath)
	for _, sym := range syms {
		st := rep[sym]
		fmt.Printf("[%s] fills=%d buy=%.4f sell=%.4f net=%.6f realized_pnl=%.6f force_closes=%d pauses=%d halted=%v\n",
			sym, st.fills, st.buyNotional, st.sellNotional, st.netSize, st.realizedPnL,
			st.forceCloses, st.pauses, st.halted)
	}
}

func toFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}
