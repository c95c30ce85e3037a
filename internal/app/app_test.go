package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/prebuf/internal/bytesize"
	"github.com/tanq16/prebuf/internal/config"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/utils"
)

func testConfig(storeType string) *config.Config {
	cfg := config.Default()
	cfg.Store.Type = storeType
	cfg.Store.Badger.InMemory = true
	cfg.Buffer.ChunkSize = 64 * bytesize.KiB
	cfg.Buffer.RetryBackoff = time.Millisecond
	return cfg
}

func TestOpenStore(t *testing.T) {
	for _, kind := range []string{config.StoreMemory, config.StoreBadger} {
		t.Run(kind, func(t *testing.T) {
			st, err := OpenStore(context.Background(), testConfig(kind).Store)
			require.NoError(t, err)
			require.NoError(t, st.Close())
		})
	}
	_, err := OpenStore(context.Background(), config.StoreConfig{Type: "tape"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBufferThroughApp(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 300*1024)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(payload))
	}))
	defer origin.Close()

	a, err := New(context.Background(), testConfig(config.StoreBadger))
	require.NoError(t, err)

	link := origin.URL + "/clip.mp4"
	done := make(chan utils.ProgressEvent, 1)
	_, err = a.Controller.StartBuffering(link, func(ev utils.ProgressEvent) {
		if ev.Terminal() {
			done <- ev
		}
	})
	require.NoError(t, err)
	select {
	case ev := <-done:
		assert.True(t, ev.Done)
		assert.Equal(t, 100, ev.Buffered)
	case <-time.After(5 * time.Second):
		t.Fatal("buffering did not finish")
	}

	obj, err := a.Store.Load(context.Background(), link)
	require.NoError(t, err)
	assert.True(t, obj.Complete())
	assert.NotNil(t, a.Server().Handler())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	_, err = a.Store.Load(context.Background(), link)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(config.StoreMemory)
	cfg.Buffer.Parallelism = 0
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
