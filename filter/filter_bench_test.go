package filter

import (
	"testing"
)

// BenchmarkFilter_Allows_NoKeywords benchmarks the filter when no keywords are configured
func BenchmarkFilter_Allows_NoKeywords(b *testing.B) {
	f := New(Options{})
	subject := "Your monthly statement is ready"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(subject)
	}
}

// BenchmarkFilter_Allows_IncludeAndExclude benchmarks the default billing keywords plus a blacklist
func BenchmarkFilter_Allows_IncludeAndExclude(b *testing.B) {
	f := New(Options{
		Include: []string{"invoice", "receipt", "payment", "bill"},
		Exclude: []string{"spam", "newsletter"},
	})
	subject := "Re: Fwd: Payment receipt for order #99812 (newsletter edition)"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(subject)
	}
}
