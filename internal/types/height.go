package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrHeightUnknown 表示打印件元数据中没有可用的高度
var ErrHeightUnknown = errors.New("print height unknown")

// heightKeys 按优先级排列的高度字段名，不同切片器导出的命名不一致
var heightKeys = []string{"z", "height_mm", "z_mm"}

// PrintHeight 从打印件测量元数据中解析成品高度 (mm)
func PrintHeight(item *PrintItem) (float64, error) {
	if item == nil || len(item.Measurements) == 0 {
		return 0, ErrHeightUnknown
	}
	for _, key := range heightKeys {
		raw, ok := item.Measurements[key]
		if !ok || raw == nil {
			continue
		}
		h, err := toFloat(raw)
		if err != nil {
			return 0, fmt.Errorf("字段 %s 无法解析: %w", key, err)
		}
		if h > 0 {
			return h, nil
		}
	}
	return 0, ErrHeightUnknown
}

// ParseMeasurements 解析数据库中保存的 measurement_details_json
func ParseMeasurements(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
