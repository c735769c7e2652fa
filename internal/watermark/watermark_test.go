package watermark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfbars/internal/model"
	"tfbars/internal/store/memstore"
)

func TestBarWatermarkRoundTrip(t *testing.T) {
	ctx := context.Background()
	w := New(memstore.New())

	_, err := w.GetBar(ctx, "A", "3D")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	ts := time.Date(2024, 1, 2, 23, 59, 59, 999e6, time.UTC)
	in := model.RefreshWatermark{Asset: "A", TF: "3D", DailyMinSeen: ts, DailyMaxSeen: ts, LastBarSeq: 4, LastTimeClose: ts, UpdatedAt: ts}
	require.NoError(t, w.PutBar(ctx, in))

	got, err := w.GetBar(ctx, "A", "3D")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.LastBarSeq)
	assert.True(t, got.LastTimeClose.Equal(ts))

	in.LastBarSeq = 5
	require.NoError(t, w.PutBar(ctx, in))
	got, _ = w.GetBar(ctx, "A", "3D")
	assert.Equal(t, int64(5), got.LastBarSeq)

	require.NoError(t, w.DeleteBar(ctx, "A", "3D"))
	_, err = w.GetBar(ctx, "A", "3D")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEmaWatermarksArePerPeriod(t *testing.T) {
	ctx := context.Background()
	w := New(memstore.New())

	require.NoError(t, w.PutEma(ctx, model.RefreshWatermark{Asset: "A", TF: "3D", Period: 10, LastBarSeq: 1}))
	require.NoError(t, w.PutEma(ctx, model.RefreshWatermark{Asset: "A", TF: "3D", Period: 20, LastBarSeq: 2}))

	got, err := w.GetEma(ctx, "A", "3D", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Period)
	assert.Equal(t, int64(2), got.LastBarSeq)

	_, err = w.GetEma(ctx, "A", "3D", 50)
	assert.ErrorIs(t, err, model.ErrNotFound)

	all, err := w.ListEma(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
