package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidTopicName(t *testing.T) {
	e := NewEvaluator(true)
	tests := []struct {
		name  string
		topic string
		valid bool
	}{
		{"simple", "sport", true},
		{"levels", "sport/tennis/player1", true},
		{"leading slash", "/finance", true},
		{"trailing slash", "finance/", true},
		{"system", "$SYS/monitor", true},
		{"empty", "", false},
		{"plus", "sport/+", false},
		{"hash", "sport/#", false},
		{"too long", strings.Repeat("a", maxTopicLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, e.IsValidTopicName(tt.topic))
		})
	}
}

func TestIsValidTopicFilter(t *testing.T) {
	e := NewEvaluator(true)
	tests := []struct {
		name   string
		filter string
		valid  bool
	}{
		{"simple", "sport/tennis", true},
		{"hash alone", "#", true},
		{"hash last", "sport/tennis/#", true},
		{"plus alone", "+", true},
		{"plus middle", "sport/+/player1", true},
		{"plus and hash", "+/tennis/#", true},
		{"empty level", "sport//tennis", true},
		{"empty", "", false},
		{"hash not last", "sport/#/player1", false},
		{"hash mixed", "sport/tennis#", false},
		{"two hashes", "#/#", false},
		{"plus mixed", "sport+", false},
		{"plus mixed middle", "sport/ten+nis", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, e.IsValidTopicFilter(tt.filter))
		})
	}
}

func TestWildcardsForbidden(t *testing.T) {
	e := NewEvaluator(false)
	assert.True(t, e.IsValidTopicFilter("sport/tennis"))
	assert.False(t, e.IsValidTopicFilter("sport/#"))
	assert.False(t, e.IsValidTopicFilter("+/tennis"))

	_, err := e.Matches("sport/tennis", "sport/#")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestMatches(t *testing.T) {
	e := NewEvaluator(true)
	tests := []struct {
		name   string
		topic  string
		filter string
		match  bool
	}{
		{"hash includes parent", "sport/tennis/player1", "sport/tennis/player1/#", true},
		{"hash child", "sport/tennis/player1/ranking", "sport/tennis/player1/#", true},
		{"hash grandchild", "sport/tennis/player1/score/wimbledon", "sport/tennis/player1/#", true},
		{"hash parent level", "sport", "sport/#", true},
		{"hash everything", "sport/tennis", "#", true},
		{"plus empty levels", "/finance", "+/+", true},
		{"plus leading", "/finance", "/+", true},
		{"plus single level mismatch", "/finance", "+", false},
		{"plus one level", "sport/tennis", "sport/+", true},
		{"plus too short", "sport", "sport/+", false},
		{"plus too deep", "sport/tennis/player1", "sport/+", false},
		{"plus middle", "sport/tennis/player1", "sport/+/player1", true},
		{"exact", "sport/tennis", "sport/tennis", true},
		{"exact length mismatch", "sport/tennis", "sport", false},
		{"case sensitive", "Accounts", "accounts", false},
		{"system hash", "$SYS/monitor/Clients", "#", false},
		{"system plus", "$SYS/monitor/Clients", "+/monitor/Clients", false},
		{"system literal", "$SYS/monitor/Clients", "$SYS/#", true},
		{"system literal plus", "$SYS/monitor/Clients", "$SYS/monitor/+", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := e.Matches(tt.topic, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.match, matched)
		})
	}
}

func TestMatchesInvalidInput(t *testing.T) {
	e := NewEvaluator(true)
	_, err := e.Matches("sport/+", "sport/#")
	assert.ErrorIs(t, err, ErrInvalidTopic)
	_, err = e.Matches("sport", "sport/#/x")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}
