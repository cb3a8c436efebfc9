package safegoroutine

import (
	"errors"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/florinutz/iceingest/metrics"
)

func TestRun(t *testing.T) {
	errCommit := errors.New("commit failed")
	tests := []struct {
		name      string
		fn        func() error
		wantErr   error
		wantPanic string
	}{
		{"returns nil", func() error { return nil }, nil, ""},
		{"returns error", func() error { return errCommit }, errCommit, ""},
		{"panics with string", func() error { panic("decoder state corrupt") }, nil, "decoder state corrupt"},
		{"panics with runtime error", func() error {
			var m map[string]int
			m["rows"]++
			return nil
		}, nil, "assignment to entry in nil map"},
		{"panics with nil", func() error { panic(nil) }, nil, "panic called with nil argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := promtest.ToFloat64(metrics.PanicsRecovered.WithLabelValues("flight"))
			err := Run(nil, "flight", tt.fn)
			after := promtest.ToFloat64(metrics.PanicsRecovered.WithLabelValues("flight"))

			if tt.wantPanic == "" {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if after != before {
					t.Error("panic counter moved without a panic")
				}
				return
			}
			var pe *PanicError
			if !errors.As(err, &pe) || pe.Component != "flight" {
				t.Fatalf("err = %v, want *PanicError for flight", err)
			}
			if !strings.Contains(err.Error(), tt.wantPanic) {
				t.Errorf("err = %q, want it to mention %q", err, tt.wantPanic)
			}
			if after != before+1 {
				t.Errorf("panic counter went %v -> %v", before, after)
			}
		})
	}
}

func TestGo_PanicStopsGroup(t *testing.T) {
	g, ctx := errgroup.WithContext(t.Context())
	Go(g, nil, "http", func() error { panic("listener") })
	Go(g, nil, "readiness", func() error {
		<-ctx.Done()
		return nil
	})

	var pe *PanicError
	if err := g.Wait(); !errors.As(err, &pe) || pe.Component != "http" {
		t.Fatalf("group error = %v, want http panic", err)
	}
}
