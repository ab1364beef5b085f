package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomlog/pkg/logger"
)

func TestRunOrderAndErrors(t *testing.T) {
	logger.InitDiscard()
	var order []string
	step := func(name string, err error) Step {
		return Step{Name: name, Fn: func(context.Context) error {
			order = append(order, name)
			return err
		}}
	}
	boom := errors.New("boom")

	err := Run(context.Background(), []Step{
		step("http", nil),
		{Name: "skipped"},
		step("dispatch", boom),
		step("store", nil),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "dispatch")
	assert.Equal(t, []string{"http", "dispatch", "store"}, order)
}

func TestRunAfterDeadline(t *testing.T) {
	logger.InitDiscard()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	require.NoError(t, Run(ctx, []Step{{Name: "store", Fn: func(context.Context) error {
		ran = true
		return nil
	}}}))
	assert.True(t, ran)
}

func TestSignalCancels(t *testing.T) {
	logger.InitDiscard()
	ctx, cancel := SetupSignalHandler(context.Background())
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}
