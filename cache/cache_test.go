package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vizql/comms"
	"vizql/frame"
)

func sampleEntry() *Entry {
	f := frame.New(
		frame.Field{Name: "region", Kind: frame.KindString},
		frame.Field{Name: "__timestamp", Kind: frame.KindTime},
		frame.Field{Name: "sum__amount", Kind: frame.KindNumber},
	)
	f.Append("A", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 15.0)
	f.Append("B", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), nil)
	return &Entry{
		Frame:      f,
		Query:      "SELECT 1;",
		TotalFound: 2,
		Dttm:       time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

type countingCompute struct {
	calls atomic.Int32
	entry func() *Entry
}

func (c *countingCompute) compute(context.Context) (*Entry, error) {
	c.calls.Add(1)
	return c.entry(), nil
}

func TestEntryCodec(t *testing.T) {
	b, err := Encode(sampleEntry())
	require.NoError(t, err)
	e, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, sampleEntry().Frame.Fields, e.Frame.Fields)
	assert.Equal(t, "A", e.Frame.Rows[0][0])
	assert.True(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Equal(e.Frame.Rows[0][1].(time.Time)))
	assert.Equal(t, 15.0, e.Frame.Rows[0][2])
	assert.Nil(t, e.Frame.Rows[1][2])
	assert.Equal(t, 2, e.TotalFound)

	_, err = Decode([]byte{0xff, 0x00})
	require.Error(t, err)
}

func TestGetOrCompute(t *testing.T) {
	mem := NewMemory(time.Minute, 10)
	defer mem.Close()
	layer := New(mem, nil)
	c := &countingCompute{entry: sampleEntry}
	ctx := context.Background()

	res, err := layer.GetOrCompute(ctx, "k", time.Minute, false, c.compute)
	require.NoError(t, err)
	assert.False(t, res.IsCached)
	assert.Equal(t, int32(1), c.calls.Load())

	res, err = layer.GetOrCompute(ctx, "k", time.Minute, false, c.compute)
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, "SELECT 1;", res.Entry.Query)
	assert.Equal(t, 15.0, res.Entry.Frame.Rows[0][2])

	res, err = layer.GetOrCompute(ctx, "k", time.Minute, true, c.compute)
	require.NoError(t, err)
	assert.False(t, res.IsCached)
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestGetOrComputeSkipsFailed(t *testing.T) {
	mem := NewMemory(time.Minute, 10)
	defer mem.Close()
	layer := New(mem, nil)
	c := &countingCompute{entry: func() *Entry {
		return &Entry{Frame: &frame.Frame{}, Failed: true}
	}}
	for range 2 {
		res, err := layer.GetOrCompute(context.Background(), "k", time.Minute, false, c.compute)
		require.NoError(t, err)
		assert.False(t, res.IsCached)
	}
	assert.Equal(t, int32(2), c.calls.Load())
	assert.Equal(t, 0, mem.Len())
}

func TestGetOrComputeError(t *testing.T) {
	layer := New(NewMemory(time.Minute, 10), nil)
	_, err := layer.GetOrCompute(context.Background(), "k", time.Minute, false, func(context.Context) (*Entry, error) {
		return nil, errors.New("boom")
	})
	require.EqualError(t, err, "boom")
}

func TestGetOrComputeWithoutBackend(t *testing.T) {
	c := &countingCompute{entry: sampleEntry}
	var layer *Layer
	for range 2 {
		res, err := layer.GetOrCompute(context.Background(), "k", time.Minute, false, c.compute)
		require.NoError(t, err)
		assert.False(t, res.IsCached)
	}
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestGetOrComputeCollapsesConcurrentCalls(t *testing.T) {
	layer := New(NewMemory(time.Minute, 10), nil)
	release := make(chan struct{})
	var calls atomic.Int32
	compute := func(context.Context) (*Entry, error) {
		calls.Add(1)
		<-release
		return sampleEntry(), nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := layer.GetOrCompute(context.Background(), "k", time.Minute, false, compute)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	// give the goroutines time to queue up behind the first computation
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, 2, res.Entry.TotalFound)
	}
	// waiters get their own copy of the frame
	results[0].Entry.Frame.Rows[0][0] = "changed"
	for _, res := range results[1:] {
		assert.Equal(t, "A", res.Entry.Frame.Rows[0][0])
	}
}

type brokenBackend struct {
	Memory
	deleted []string
}

func (b *brokenBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk full")
}

func (b *brokenBackend) Delete(_ context.Context, key string) error {
	b.deleted = append(b.deleted, key)
	return nil
}

func TestFailedWriteEvicts(t *testing.T) {
	backend := &brokenBackend{Memory: *NewMemory(time.Minute, 10)}
	layer := New(backend, nil)
	c := &countingCompute{entry: sampleEntry}
	res, err := layer.GetOrCompute(context.Background(), "k", time.Minute, false, c.compute)
	require.NoError(t, err)
	assert.False(t, res.IsCached)
	assert.Equal(t, []string{"k"}, backend.deleted)
}

func TestCorruptEntryIsMiss(t *testing.T) {
	mem := NewMemory(time.Minute, 10)
	defer mem.Close()
	require.NoError(t, mem.Set(context.Background(), "k", []byte("not cbor"), time.Minute))
	layer := New(mem, nil)
	c := &countingCompute{entry: sampleEntry}
	res, err := layer.GetOrCompute(context.Background(), "k", time.Minute, false, c.compute)
	require.NoError(t, err)
	assert.False(t, res.IsCached)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestMemoryExpiry(t *testing.T) {
	mem := NewMemory(time.Minute, 10)
	defer mem.Close()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "k", []byte("v"), 50*time.Millisecond))
	b, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), b)

	time.Sleep(100 * time.Millisecond)
	b, err = mem.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestKV(t *testing.T) {
	c, err := comms.New(comms.Config{DontListen: true, Dir: t.TempDir()})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	kv, err := NewKV(ctx, c.JetStream, "vizql-test", time.Hour)
	require.NoError(t, err)

	b, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))
	b, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), b)

	kv.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	b, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, kv.Delete(ctx, "k"))
	require.NoError(t, kv.Delete(ctx, "k"))

	layer := New(kv, nil)
	kv.now = time.Now
	cc := &countingCompute{entry: sampleEntry}
	_, err = layer.GetOrCompute(ctx, "entry", time.Minute, false, cc.compute)
	require.NoError(t, err)
	res, err := layer.GetOrCompute(ctx, "entry", time.Minute, false, cc.compute)
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	assert.Equal(t, int32(1), cc.calls.Load())
}
