package model

import "testing"

func TestListOptions_Clamp(t *testing.T) {
	tests := []struct {
		name  string
		input ListOptions
		want  ListOptions
	}{
		{"zero value", ListOptions{}, ListOptions{Limit: 20}},
		{"negative limit", ListOptions{Limit: -5}, ListOptions{Limit: 20}},
		{"over max", ListOptions{Limit: 200}, ListOptions{Limit: 100}},
		{"negative offset", ListOptions{Limit: 10, Offset: -3}, ListOptions{Limit: 10}},
		{"in range", ListOptions{Limit: 50, Offset: 10}, ListOptions{Limit: 50, Offset: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.input.Clamp(); got != tt.want {
				t.Errorf("Clamp() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseListOptions(t *testing.T) {
	tests := []struct {
		limit, offset string
		want          ListOptions
	}{
		{"", "", ListOptions{Limit: DefaultListLimit}},
		{"5", "15", ListOptions{Limit: 5, Offset: 15}},
		{"abc", "-1", ListOptions{Limit: DefaultListLimit}},
		{"1000", "2", ListOptions{Limit: MaxListLimit, Offset: 2}},
	}
	for _, tt := range tests {
		if got := ParseListOptions(tt.limit, tt.offset); got != tt.want {
			t.Errorf("ParseListOptions(%q, %q) = %+v, want %+v", tt.limit, tt.offset, got, tt.want)
		}
	}
}
