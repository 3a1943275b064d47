package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_Allows_Include(t *testing.T) {
	f := New(Options{Include: []string{"invoice"}})

	assert.True(t, f.Allows("Your Invoice #123"), "include keyword matches case-insensitively")
	assert.False(t, f.Allows("Meeting notes"), "subject without include keyword is rejected")
}

func TestFilter_Allows_ExcludeTakesPrecedence(t *testing.T) {
	f := New(Options{Include: []string{"invoice"}, Exclude: []string{"spam"}})

	assert.False(t, f.Allows("Invoice spam offer"))
	assert.True(t, f.Allows("Invoice for March"))
}

func TestFilter_Allows_ExcludeOnly(t *testing.T) {
	f := New(Options{Exclude: []string{"Newsletter"}})

	assert.True(t, f.Allows("Receipt"))
	assert.False(t, f.Allows("Weekly NEWSLETTER"))
}

func TestFilter_NoKeywords(t *testing.T) {
	f := New(Options{Include: []string{" ", ""}})

	assert.True(t, f.Allows(""))
	assert.True(t, f.Allows("anything"))
}

func TestFilter_NilAllowsEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Allows("x"))
}

func TestPasses(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		include []string
		exclude []string
		want    bool
	}{
		{"whitelist hit", "Your Invoice #123", []string{"invoice"}, nil, true},
		{"whitelist miss", "Meeting notes", []string{"invoice"}, nil, false},
		{"blacklist precedence", "Invoice spam offer", []string{"invoice"}, []string{"spam"}, false},
		{"any include matches", "Payment received", []string{"invoice", "payment"}, nil, true},
		{"empty include vacuous", "Lunch", nil, []string{"spam"}, true},
		{"empty subject with include", "", []string{"bill"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Passes(tt.subject, tt.include, tt.exclude))
		})
	}
}

func TestSplitKeywords(t *testing.T) {
	assert.Equal(t, []string{"invoice", "bill pay"}, SplitKeywords(" invoice, ,bill pay ,"))
	assert.Nil(t, SplitKeywords(""))
}
