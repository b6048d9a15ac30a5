package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tomiyuta/webull-portfolio-rebalancer/account"
	"github.com/tomiyuta/webull-portfolio-rebalancer/engine"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"generic failure", errors.New("boom"), 1},
		{"state unreadable", fmt.Errorf("read: %w", account.ErrStateUnreadable), 2},
		{"nothing executed", fmt.Errorf("run: %w", engine.ErrNothingExecuted), 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
