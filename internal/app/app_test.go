package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/config"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/mocks"
)

func TestOpenRequiresInit(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestInitThenOpen(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	written, err := Init(ctx, ws, "dev-9", false)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = Init(ctx, ws, "other", false)
	require.NoError(t, err)
	assert.False(t, written, "existing config is kept")

	rt, err := Open(ctx, ws, Options{LogLevel: "error", LogOutput: os.Stderr, Getenv: func(string) string { return "" }})
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, "dev-9", rt.Config.Device.ID)
	assert.Equal(t, "dev-9", rt.Engine.DeviceID)

	require.NoError(t, rt.Engine.Repo.ReplaceAll(ctx, mocks.SampleRegistry(), rt.Engine.Now()))
	n, err := rt.Engine.Repo.CountActiveWbs(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.FileExists(t, config.Path(ws))
}

func TestOpenRejectsBadLogLevel(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	_, err := Init(ctx, ws, "dev-1", false)
	require.NoError(t, err)
	_, err = Open(ctx, ws, Options{LogLevel: "loud"})
	require.Error(t, err)
}
