package handlers

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendQueryParams(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		params   [][2]string
		expected string
	}{
		{
			name:     "bare base gets question mark",
			base:     "https://example.com/activate",
			params:   [][2]string{{"code", "PC-ABCD"}, {"status", "success"}},
			expected: "https://example.com/activate?code=PC-ABCD&status=success",
		},
		{
			name:     "existing query gets ampersand",
			base:     "https://example.com/activate?source=email",
			params:   [][2]string{{"status", "pending"}},
			expected: "https://example.com/activate?source=email&status=pending",
		},
		{
			name:     "values are url encoded",
			base:     "https://example.com/cb",
			params:   [][2]string{{"code", "A B&C"}},
			expected: "https://example.com/cb?code=A+B%26C",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, appendQueryParams(tt.base, tt.params))
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/licenses", 20, 0},
		{"explicit", "/licenses?limit=50&offset=100", 50, 100},
		{"limit above cap ignored", "/licenses?limit=500", 20, 0},
		{"zero limit ignored", "/licenses?limit=0", 20, 0},
		{"negative offset ignored", "/licenses?offset=-5", 20, 0},
		{"garbage ignored", "/licenses?limit=abc&offset=xyz", 20, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}
