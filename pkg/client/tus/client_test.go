// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package tus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/LeeDigitalWorks/zapload/pkg/api"
	"github.com/LeeDigitalWorks/zapload/pkg/lock"
	"github.com/LeeDigitalWorks/zapload/pkg/metastore"
	"github.com/LeeDigitalWorks/zapload/pkg/storage"
	"github.com/LeeDigitalWorks/zapload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapload/pkg/transport"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type uploadServer struct {
	*httptest.Server
	store *backend.MemoryStore
}

func newUploadServer(t *testing.T, maxSize int64) *uploadServer {
	t.Helper()

	store := backend.NewMemoryStore("uploads")
	svc, err := storage.NewService(storage.Config{
		Backend:       backend.NewMultipart(store, types.BackendConfig{Type: types.StorageTypeMemory, MinPartSize: -1}),
		MetaStore:     metastore.NewMemory(),
		Locker:        lock.NewMemory(time.Second),
		MaxUploadSize: maxSize,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(svc, api.Options{}).Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return &uploadServer{Server: srv, store: store}
}

func newClient(t *testing.T, endpoint string, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Endpoint:  endpoint,
		ChunkSize: 4,
		Transport: transport.Config{Retries: 2, RetryDelay: time.Millisecond, Timeout: 5 * time.Second},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

var payload = []byte("0123456789")

func storedObject(t *testing.T, srv *uploadServer, id string) []byte {
	t.Helper()
	for _, key := range []string{id, id + ".txt"} {
		if data, ok := srv.store.Object(key); ok {
			return data
		}
	}
	t.Fatalf("object for %s not found", id)
	return nil
}

// ============================================================================
// Capabilities / create
// ============================================================================

func TestCapabilities(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 1<<20)
	caps, err := newClient(t, srv.URL+"/files", nil).Capabilities(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.TusVersion, caps.Version)
	assert.True(t, caps.Supports("creation"))
	assert.False(t, caps.Supports("concatenation"))
	assert.Equal(t, int64(1<<20), caps.MaxSize)
	assert.True(t, caps.SupportsChecksum("SHA256"))
}

func TestCapabilities_NotResumable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).Capabilities(context.Background())
	assert.Error(t, err)
}

func TestCreateUpload_Rejected(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 5)
	var reported *types.UploadError
	c := newClient(t, srv.URL+"/files", func(o *Options) {
		o.OnError = func(e *types.UploadError) { reported = e }
	})

	_, err := c.CreateUpload(context.Background(), types.BytesFile("big.txt", "", payload), nil)
	var ue *types.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusRequestEntityTooLarge, ue.StatusCode)
	assert.Same(t, ue, reported)
}

func TestCreateUpload_MissingLocation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, nil).CreateUpload(context.Background(), types.BytesFile("a", "", payload), nil)
	assert.ErrorIs(t, err, ErrNoLocation)
}

// ============================================================================
// Transfer loop
// ============================================================================

func TestUpload_Chunks(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 0)
	var mu sync.Mutex
	var seen []types.Progress
	var completed atomic.Int32
	c := newClient(t, srv.URL+"/files", func(o *Options) {
		o.OnProgress = func(p types.Progress) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		}
		o.OnComplete = func(types.UploadResult) { completed.Add(1) }
	})

	ctx := context.Background()
	u, err := c.CreateUpload(ctx, types.BytesFile("notes.txt", "", payload), map[string]string{"owner": "me"})
	require.NoError(t, err)
	assert.Equal(t, types.UploadPending, u.State())

	require.NoError(t, u.Start(ctx))
	assert.Equal(t, types.UploadCompleted, u.State())
	assert.Equal(t, int32(1), completed.Load())

	require.Len(t, seen, 3)
	assert.Equal(t, []int64{4, 8, 10}, []int64{seen[0].Loaded, seen[1].Loaded, seen[2].Loaded})
	assert.InDelta(t, 40.0, seen[0].Percentage, 0.001)
	assert.InDelta(t, 100.0, seen[2].Percentage, 0.001)
	assert.Greater(t, seen[0].Speed, 0.0)

	res := u.Result()
	require.NotNil(t, res)
	assert.Equal(t, int64(10), res.Size)
	assert.Equal(t, "text/plain; charset=utf-8", res.ContentType)
	assert.Equal(t, "me", res.Metadata["owner"])
	assert.Equal(t, payload, storedObject(t, srv, u.ID()))

	assert.ErrorIs(t, u.Start(ctx), ErrFinished)
}

func TestUpload_EmptyFile(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 0)
	c := newClient(t, srv.URL+"/files", nil)

	u, err := c.CreateUpload(context.Background(), types.BytesFile("empty.txt", "", nil), nil)
	require.NoError(t, err)
	require.NoError(t, u.Start(context.Background()))
	assert.Equal(t, types.UploadCompleted, u.State())
}

func TestUpload_PauseAndResume(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 0)
	var u *Upload
	var paused atomic.Bool
	c := newClient(t, srv.URL+"/files", func(o *Options) {
		o.OnProgress = func(p types.Progress) {
			if p.Loaded == 4 && paused.CompareAndSwap(false, true) {
				require.NoError(t, u.Pause())
			}
		}
	})

	ctx := context.Background()
	var err error
	u, err = c.CreateUpload(ctx, types.BytesFile("notes.txt", "", payload), nil)
	require.NoError(t, err)

	require.NoError(t, u.Start(ctx))
	assert.Equal(t, types.UploadPaused, u.State())
	assert.Equal(t, int64(4), u.Offset())

	require.NoError(t, u.Start(ctx))
	assert.Equal(t, types.UploadCompleted, u.State())
	assert.Equal(t, payload, storedObject(t, srv, u.ID()))
}

func TestResumeUpload_SeedsFromServer(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 0)
	ctx := context.Background()
	file := types.BytesFile("notes.txt", "", payload)

	var first *Upload
	c := newClient(t, srv.URL+"/files", func(o *Options) {
		o.OnProgress = func(p types.Progress) { first.Pause() }
	})
	var err error
	first, err = c.CreateUpload(ctx, file, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	require.Equal(t, int64(4), first.Offset())

	// Another writer moves the server ahead of the first handle.
	req, _ := http.NewRequest(http.MethodPatch, first.URL(), bytes.NewReader(payload[4:8]))
	req.Header.Set(types.HeaderTusResumable, types.TusVersion)
	req.Header.Set(types.HeaderUploadOffset, "4")
	req.Header.Set("Content-Type", types.ContentTypeOffsetOctetStream)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resumed, err := newClient(t, srv.URL+"/files", nil).ResumeUpload(ctx, first.URL(), file)
	require.NoError(t, err)
	assert.Equal(t, int64(8), resumed.Offset())

	require.NoError(t, resumed.Start(ctx))
	assert.Equal(t, types.UploadCompleted, resumed.State())
	assert.Equal(t, payload, storedObject(t, srv, resumed.ID()))
}

func TestResumeUpload_SizeMismatch(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 0)
	c := newClient(t, srv.URL+"/files", nil)
	u, err := c.CreateUpload(context.Background(), types.BytesFile("a.txt", "", payload), nil)
	require.NoError(t, err)

	_, err = c.ResumeUpload(context.Background(), u.URL(), types.BytesFile("a.txt", "", payload[:3]))
	assert.Error(t, err)

	_, err = c.ResumeUpload(context.Background(), srv.URL+"/files/missing", types.BytesFile("a.txt", "", payload))
	var ue *types.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)
}

func TestUpload_ConflictResyncs(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 0)
	ctx := context.Background()
	var u *Upload
	var paused atomic.Bool
	c := newClient(t, srv.URL+"/files", func(o *Options) {
		o.OnProgress = func(p types.Progress) {
			if p.Loaded == 8 && paused.CompareAndSwap(false, true) {
				u.Pause()
			}
		}
	})
	var err error
	u, err = c.CreateUpload(ctx, types.BytesFile("notes.txt", "", payload), nil)
	require.NoError(t, err)
	require.NoError(t, u.Start(ctx))

	// Roll the local offset back; the server's 409 forces a HEAD.
	u.mu.Lock()
	u.offset = 0
	u.mu.Unlock()

	require.NoError(t, u.Start(ctx))
	assert.Equal(t, types.UploadCompleted, u.State())
	assert.Equal(t, payload, storedObject(t, srv, u.ID()))
}

func TestUpload_Checksum(t *testing.T) {
	t.Parallel()

	srv := newUploadServer(t, 0)
	c := newClient(t, srv.URL+"/files", func(o *Options) { o.Checksum = "SHA256" })

	u, err := c.CreateUpload(context.Background(), types.BytesFile("notes.txt", "", payload), nil)
	require.NoError(t, err)
	require.NoError(t, u.Start(context.Background()))
	assert.Equal(t, types.UploadCompleted, u.State())

	_, err = New(Options{Endpoint: srv.URL, Checksum: "blake3"})
	assert.Error(t, err)
}

// chunkServer answers POST with a fixed Location and PATCH with the offset
// ack returns for the received chunk.
func chunkServer(t *testing.T, ack func(offset, n int64) string, onPatch func()) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var patches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "/files/abc")
			w.WriteHeader(http.StatusCreated)
		case http.MethodPatch:
			patches.Add(1)
			body, _ := io.ReadAll(r.Body)
			offset, _ := strconv.ParseInt(r.Header.Get(types.HeaderUploadOffset), 10, 64)
			if onPatch != nil {
				onPatch()
			}
			w.Header().Set(types.HeaderUploadOffset, ack(offset, int64(len(body))))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &patches
}

func advanceBy(offset, n int64) string { return strconv.FormatInt(offset+n, 10) }

func TestUpload_StartAfterPauseKeepsOneChunkInFlight(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	var first atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})
	srv, patches := chunkServer(t, advanceBy, func() {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	})

	ctx := context.Background()
	u, err := newClient(t, srv.URL+"/files", nil).CreateUpload(ctx, types.BytesFile("a.bin", "", payload), nil)
	require.NoError(t, err)

	firstRun := make(chan error, 1)
	go func() { firstRun <- u.Start(ctx) }()
	<-entered

	assert.ErrorIs(t, u.Start(ctx), ErrRunning)
	require.NoError(t, u.Pause())

	secondRun := make(chan error, 1)
	go func() { secondRun <- u.Start(ctx) }()

	// The second run must not send anything while the paused chunk is pending.
	assert.Never(t, func() bool { return len(secondRun) > 0 || patches.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)

	require.NoError(t, <-firstRun)
	require.NoError(t, <-secondRun)
	assert.Equal(t, types.UploadCompleted, u.State())
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, int32(3), patches.Load())
}

func TestUpload_StartWaitGivesUpWithContext(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	srv, _ := chunkServer(t, advanceBy, func() {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	})

	u, err := newClient(t, srv.URL+"/files", nil).CreateUpload(context.Background(), types.BytesFile("a.bin", "", payload), nil)
	require.NoError(t, err)

	firstRun := make(chan error, 1)
	go func() { firstRun <- u.Start(context.Background()) }()
	<-entered
	require.NoError(t, u.Pause())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, u.Start(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-firstRun)
	assert.Equal(t, types.UploadPaused, u.State())
	assert.Equal(t, int64(4), u.Offset())
}

func TestUpload_NoProgressFails(t *testing.T) {
	t.Parallel()

	srv, patches := chunkServer(t, func(int64, int64) string { return "0" }, nil)
	u, err := newClient(t, srv.URL+"/files", nil).CreateUpload(context.Background(), types.BytesFile("a.bin", "", payload), nil)
	require.NoError(t, err)

	err = u.Start(context.Background())
	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, types.UploadFailed, u.State())
	assert.Equal(t, int32(maxResyncs+1), patches.Load())
	assert.Equal(t, int64(0), u.Offset())
}

func TestUpload_RejectsOffsetOutOfRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ack     func(offset, n int64) string
		patches int32
		offset  int64
	}{
		{
			name:    "beyond file size",
			ack:     func(offset, n int64) string { return strconv.FormatInt(offset+n+100, 10) },
			patches: 1,
			offset:  0,
		},
		{
			name: "behind sent offset",
			ack: func(offset, n int64) string {
				if offset == 0 {
					return advanceBy(offset, n)
				}
				return strconv.FormatInt(offset-1, 10)
			},
			patches: 2,
			offset:  4,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, patches := chunkServer(t, tc.ack, nil)
			u, err := newClient(t, srv.URL+"/files", nil).CreateUpload(context.Background(), types.BytesFile("a.bin", "", payload), nil)
			require.NoError(t, err)

			err = u.Start(context.Background())
			var ue *types.UploadError
			require.ErrorAs(t, err, &ue)
			assert.Contains(t, ue.Message, types.HeaderUploadOffset)
			assert.Equal(t, types.UploadFailed, u.State())
			assert.Equal(t, tc.patches, patches.Load())
			assert.Equal(t, tc.offset, u.Offset())
		})
	}
}

// ============================================================================
// Cancellation
// ============================================================================

func TestUpload_CancelAbortsInFlightChunk(t *testing.T) {
	t.Parallel()

	var patches, deletes atomic.Int32
	inFlight := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "/files/abc")
			w.WriteHeader(http.StatusCreated)
		case http.MethodPatch:
			patches.Add(1)
			inFlight <- struct{}{}
			<-r.Context().Done()
		case http.MethodDelete:
			deletes.Add(1)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/files", nil)
	u, err := c.CreateUpload(context.Background(), types.BytesFile("a.bin", "", payload), nil)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/files/abc", u.URL())

	done := make(chan error, 1)
	go func() { done <- u.Start(context.Background()) }()

	<-inFlight
	require.NoError(t, u.Cancel(context.Background()))

	err = <-done
	assert.True(t, errors.Is(err, context.Canceled), err)
	assert.Equal(t, types.UploadCancelled, u.State())
	assert.Equal(t, int32(1), patches.Load(), "a cancelled chunk is never retried")
	assert.Equal(t, int32(1), deletes.Load())
	assert.ErrorIs(t, u.Start(context.Background()), ErrFinished)
}

func TestUpload_CancelSwallowsTerminationErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", "/files/abc")
			w.WriteHeader(http.StatusCreated)
			return
		}
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	u, err := newClient(t, srv.URL+"/files", nil).CreateUpload(context.Background(), types.BytesFile("a.bin", "", payload), nil)
	require.NoError(t, err)
	assert.NoError(t, u.Cancel(context.Background()))
	assert.Equal(t, types.UploadCancelled, u.State())
}

func TestUpload_ErrorIsReported(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", "/files/abc")
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"error":{"code":"Gone","message":"upload abc expired"}}`))
	}))
	defer srv.Close()

	var reported atomic.Pointer[types.UploadError]
	c := newClient(t, srv.URL+"/files", func(o *Options) {
		o.OnError = func(e *types.UploadError) { reported.Store(e) }
	})
	u, err := c.CreateUpload(context.Background(), types.BytesFile("a.bin", "", payload), nil)
	require.NoError(t, err)

	err = u.Start(context.Background())
	var ue *types.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "abc", ue.ID)
	assert.Equal(t, http.StatusGone, ue.StatusCode)
	assert.True(t, strings.Contains(ue.Message, "expired"), ue.Message)
	assert.Equal(t, types.UploadFailed, u.State())
	assert.Same(t, ue, reported.Load())
}

// ============================================================================
// Throttling
// ============================================================================

func TestThrottle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		u := &Upload{client: &Client{limiter: rate.NewLimiter(100, 100)}}

		start := time.Now()
		require.NoError(t, u.throttle(context.Background(), 250))
		assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, u.throttle(ctx, 50))
	})
}
