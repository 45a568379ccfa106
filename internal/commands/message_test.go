package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		content string
		ok      bool
		name    string
		args    []string
		raw     string
	}{
		{"!balance", true, "balance", nil, ""},
		{"! Transfer  <@1>   5", true, "transfer", []string{"<@1>", "5"}, "<@1>   5"},
		{"!exec\nreturn 1\nreturn 2", true, "exec", []string{"return", "1", "return", "2"}, "return 1\nreturn 2"},
		{"hello", false, "", nil, ""},
		{"!", false, "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			inv, ok := parse("!", tt.content)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, inv.name)
			assert.Equal(t, tt.raw, inv.raw)
			if len(tt.args) > 0 {
				assert.Equal(t, tt.args, inv.args)
			} else {
				assert.Empty(t, inv.args)
			}
		})
	}
}

func TestParseMention(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"<@123>", "123", true},
		{"<@!123>", "123", true},
		{"123", "123", true},
		{"<@&123>", "", false},
		{"<@>", "", false},
		{"bob", "", false},
	}
	for _, tt := range tests {
		got, ok := parseMention(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseAmount(t *testing.T) {
	n, ok := parseAmount("40")
	assert.True(t, ok)
	assert.Equal(t, int64(40), n)

	for _, s := range []string{"0", "-1", "4x", "", "99999999999999999999"} {
		_, ok := parseAmount(s)
		assert.False(t, ok, s)
	}
}
