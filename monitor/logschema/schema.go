package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"tick_processed": {
		Event:    "tick_processed",
		Required: []string{"symbol", "mid", "roc_bps", "roc_known", "net_size"},
	},
	"trend_guard_transition": {
		Event:    "trend_guard_transition",
		Required: []string{"symbol", "side", "from", "to", "roc_bps"},
	},
	"order_placed": {
		Event:    "order_placed",
		Required: []string{"symbol", "side", "index", "price", "size", "order_id"},
	},
	"order_cancelled": {
		Event:    "order_cancelled",
		Required: []string{"symbol", "side", "index", "order_id"},
	},
	"order_rejected": {
		Event:    "order_rejected",
		Required: []string{"symbol", "side", "index", "error"},
	},
	"fill_applied": {
		Event:    "fill_applied",
		Required: []string{"symbol", "fill_id", "order_id", "side", "price", "size", "net_size"},
	},
	"force_close_triggered": {
		Event:    "force_close_triggered",
		Required: []string{"symbol", "side", "reason", "flatten_size"},
	},
	"force_close_released": {
		Event:    "force_close_released",
		Required: []string{"symbol", "side"},
	},
	"data_stale": {
		Event:    "data_stale",
		Required: []string{"symbol", "age_ms"},
	},
	"reconciliation_mismatch": {
		Event:    "reconciliation_mismatch",
		Required: []string{"symbol", "kind"},
	},
	"engine_halted": {
		Event:    "engine_halted",
		Required: []string{"symbol", "error"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key；未注册的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s missing fields: %s", event, strings.Join(missing, ","))
	}
	return nil
}
