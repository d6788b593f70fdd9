// Package topic validates MQTT topic names and filters and matches published
// topics against subscription filters.
package topic

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	Separator           = "/"
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"

	maxTopicLength = 65536
)

var ErrInvalidTopic = errors.New("invalid topic")

// Evaluator 主题校验与匹配，可配置是否允许通配符订阅
type Evaluator struct {
	allowWildcards bool
}

func NewEvaluator(allowWildcards bool) *Evaluator {
	return &Evaluator{allowWildcards: allowWildcards}
}

// IsValidTopicName reports whether name may be used in a PUBLISH.
func (e *Evaluator) IsValidTopicName(name string) bool {
	return IsValidTopicName(name)
}

// IsValidTopicFilter reports whether filter may be used in a SUBSCRIBE,
// honouring the evaluator's wildcard policy.
func (e *Evaluator) IsValidTopicFilter(filter string) bool {
	if !IsValidTopicFilter(filter) {
		return false
	}
	if !e.allowWildcards && strings.ContainsAny(filter, SingleLevelWildcard+MultiLevelWildcard) {
		return false
	}
	return true
}

// Matches reports whether the topic name is matched by the filter.
func (e *Evaluator) Matches(name, filter string) (bool, error) {
	if !e.IsValidTopicName(name) {
		return false, fmt.Errorf("%w: topic name %q", ErrInvalidTopic, name)
	}
	if !e.IsValidTopicFilter(filter) {
		return false, fmt.Errorf("%w: topic filter %q", ErrInvalidTopic, filter)
	}
	return match(name, filter), nil
}

func IsValidTopicName(name string) bool {
	if !checkLength(name) {
		return false
	}
	return !strings.ContainsAny(name, SingleLevelWildcard+MultiLevelWildcard)
}

func IsValidTopicFilter(filter string) bool {
	if !checkLength(filter) {
		return false
	}
	levels := strings.Split(filter, Separator)
	for i, level := range levels {
		if strings.Contains(level, MultiLevelWildcard) {
			// '#' 只能单独占据最后一层
			if level != MultiLevelWildcard || i != len(levels)-1 {
				return false
			}
		}
		if strings.Contains(level, SingleLevelWildcard) && level != SingleLevelWildcard {
			return false
		}
	}
	return true
}

func checkLength(s string) bool {
	if s == "" || !utf8.ValidString(s) {
		return false
	}
	return utf8.RuneCountInString(s) <= maxTopicLength
}

func match(name, filter string) bool {
	names := strings.Split(name, Separator)
	filters := strings.Split(filter, Separator)

	// 以通配符开头的过滤器不匹配 $ 开头的系统主题
	if (filters[0] == MultiLevelWildcard || filters[0] == SingleLevelWildcard) && strings.HasPrefix(names[0], "$") {
		return false
	}

	for i, level := range filters {
		if level == MultiLevelWildcard {
			return true
		}
		if i >= len(names) {
			return false
		}
		if level == SingleLevelWildcard {
			if i == len(filters)-1 && len(names) > len(filters) {
				return false
			}
			continue
		}
		if level != names[i] {
			return false
		}
	}
	return len(names) == len(filters)
}
