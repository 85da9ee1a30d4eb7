package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	t.Parallel()

	bad := Mark(errors.New("bad state"))
	transient := errors.New("store down")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: transient, want: false},
		{name: "marked", err: bad, want: true},
		{name: "wrapped", err: fmt.Errorf("stage rule: %w", bad), want: true},
		{name: "joined all permanent", err: errors.Join(bad, Mark(errors.New("x"))), want: true},
		{name: "joined mixed", err: errors.Join(bad, transient), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Is(tc.err); got != tc.want {
				t.Fatalf("Is(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
	if Mark(nil) != nil {
		t.Fatalf("Mark(nil) must be nil")
	}
	if !errors.Is(bad, errors.Unwrap(bad)) {
		t.Fatalf("marked error must unwrap to its cause")
	}
}
