// Package storetest is the behaviour every store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/store"
)

// Factory opens an empty store whose timestamps come from clk.
type Factory func(t *testing.T, clk clock.Clock) store.Store

func upsert(id string, state string, minVersion int64) store.UpsertRequest {
	return store.UpsertRequest{
		DocumentID:   id,
		State:        []byte(state),
		Text:         state,
		LastEditedBy: "tester",
		MinVersion:   minVersion,
	}
}

// Run exercises open against the shared store contract.
func Run(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("missing document", func(t *testing.T) {
		s := open(t, clock.NewMock())
		_, err := s.GetDocument(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		snaps, err := s.ListSnapshots(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, snaps)
	})

	t.Run("insert then update", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)

		res, err := s.UpsertDocument(ctx, upsert("doc", "one", 0))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.EqualValues(t, 1, res.ServerVersion)

		mock.Add(time.Second)
		res, err = s.UpsertDocument(ctx, upsert("doc", "two", 1))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.EqualValues(t, 2, res.ServerVersion)

		doc, err := s.GetDocument(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, "doc", doc.ID)
		assert.Equal(t, []byte("two"), doc.State)
		assert.Equal(t, "two", doc.Text)
		assert.Equal(t, "tester", doc.LastEditedBy)
		assert.EqualValues(t, 2, doc.Version)
		assert.True(t, doc.UpdatedAt.Equal(mock.Now()), "updated at %s", doc.UpdatedAt)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		s := open(t, clock.NewMock())
		for v := int64(0); v < 3; v++ {
			_, err := s.UpsertDocument(ctx, upsert("doc", "v", v))
			require.NoError(t, err)
		}

		res, err := s.UpsertDocument(ctx, upsert("doc", "stale", 1))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.EqualValues(t, 3, res.ServerVersion)
		assert.NotEmpty(t, res.Message)

		doc, err := s.GetDocument(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, "v", doc.Text)

		// a writer that knows a newer version than stored is accepted
		res, err = s.UpsertDocument(ctx, upsert("doc", "ahead", 10))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.EqualValues(t, 4, res.ServerVersion)
	})

	t.Run("snapshot every n saves", func(t *testing.T) {
		s := open(t, clock.NewMock())
		var snapped []int64
		for v := int64(0); v < 6; v++ {
			req := upsert("doc", "x", v)
			req.SnapshotEveryN = 3
			res, err := s.UpsertDocument(ctx, req)
			require.NoError(t, err)
			require.True(t, res.Success)
			if res.Snapshotted {
				snapped = append(snapped, res.ServerVersion)
			}
		}
		assert.Equal(t, []int64{3, 6}, snapped)

		snaps, err := s.ListSnapshots(ctx, "doc")
		require.NoError(t, err)
		require.Len(t, snaps, 2)
		assert.EqualValues(t, 3, snaps[0].Version)
		assert.EqualValues(t, 6, snaps[1].Version)
		assert.Equal(t, []byte("x"), snaps[1].State)
	})

	t.Run("snapshot by age", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)
		save := func(v int64) store.UpsertResult {
			req := upsert("doc", "x", v)
			req.SnapshotEverySeconds = 60
			res, err := s.UpsertDocument(ctx, req)
			require.NoError(t, err)
			return res
		}

		assert.False(t, save(0).Snapshotted)
		mock.Add(30 * time.Second)
		assert.False(t, save(1).Snapshotted)
		mock.Add(30 * time.Second)
		assert.True(t, save(2).Snapshotted)
		mock.Add(59 * time.Second)
		assert.False(t, save(3).Snapshotted)
	})

	t.Run("forced snapshot", func(t *testing.T) {
		s := open(t, clock.NewMock())
		req := upsert("doc", "x", 0)
		req.ForceSnapshot = true
		res, err := s.UpsertDocument(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Snapshotted)

		snaps, err := s.ListSnapshots(ctx, "doc")
		require.NoError(t, err)
		assert.Len(t, snaps, 1)
	})

	t.Run("invalid request", func(t *testing.T) {
		s := open(t, clock.NewMock())
		_, err := s.UpsertDocument(ctx, store.UpsertRequest{DocumentID: "doc"})
		assert.ErrorIs(t, err, store.ErrInvalidRequest)
		_, err = s.UpsertDocument(ctx, store.UpsertRequest{State: []byte("x")})
		assert.ErrorIs(t, err, store.ErrInvalidRequest)
	})
}
