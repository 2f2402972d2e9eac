package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageOf(t *testing.T) {
	rows := [][]string{{"1"}, {"2"}, {"3"}, {"4"}, {"5"}}

	tests := []struct {
		name      string
		page      int
		size      int
		wantRows  int
		wantPage  int
		wantTotal int
	}{
		{"first", 1, 2, 2, 1, 3},
		{"last partial", 3, 2, 1, 3, 3},
		{"past the end is clamped", 9, 2, 1, 3, 3},
		{"below one is clamped", 0, 2, 2, 1, 3},
		{"no size means one page", 1, 0, 5, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, page, total := pageOf(rows, tt.page, tt.size)
			assert.Len(t, got, tt.wantRows)
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantTotal, total)
		})
	}
}

func TestNavigate(t *testing.T) {
	tests := []struct {
		choice   string
		current  int
		want     int
		wantQuit bool
	}{
		{"n", 1, 2, false},
		{"", 1, 2, false},
		{"n", 4, 4, false},
		{"p", 1, 1, false},
		{"P", 3, 2, false},
		{"l", 1, 4, false},
		{"f", 3, 1, false},
		{"3", 1, 3, false},
		{"9", 2, 2, false},
		{"bogus", 2, 2, false},
		{"q", 2, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.choice, func(t *testing.T) {
			got, quit := navigate(tt.choice, tt.current, 4)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantQuit, quit)
		})
	}
}

func TestRenderTablePage(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultTableOptions()
	opts.Title = "Queued Actions"
	opts.EnablePagination = true
	opts.PageSize = 1
	opts.CurrentPage = 2

	renderTable(&buf, []string{"ID", "Operation"}, [][]string{{"act_1", "createFolio"}, {"act_2", "postCharge"}}, opts)

	out := buf.String()
	assert.Contains(t, out, "Queued Actions")
	assert.Contains(t, out, "postCharge")
	assert.NotContains(t, out, "createFolio")
	assert.Contains(t, out, "Page 2 of 2")
}
