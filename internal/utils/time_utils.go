package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseStringTime 解析 "10s" "20m" "48h" "2d" 形式的时间字符串，单位不区分大小写
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if len(timeString) < 2 {
		return 0, fmt.Errorf("invalid time format: %q", timeString)
	}
	unit, ok := timeUnits[timeString[len(timeString)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid time unit: %q", timeString)
	}
	number, err := strconv.Atoi(timeString[:len(timeString)-1])
	if err != nil {
		return 0, fmt.Errorf("error parsing time string %q: %w", timeString, err)
	}
	if number < 0 {
		return 0, fmt.Errorf("negative duration: %q", timeString)
	}
	return time.Duration(number) * unit, nil
}

// MustParseStringTime 解析失败时返回 fallback
func MustParseStringTime(timeString string, fallback time.Duration) time.Duration {
	duration, err := ParseStringTime(timeString)
	if err != nil {
		return fallback
	}
	return duration
}
