package diffworker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-cloudlet/vmoverlay/internal/pageformat"
)

func collect(t *testing.T, pool *Pool, jobs []Job) []pageformat.DeltaItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in := make(chan Job, len(jobs))
	for _, j := range jobs {
		in <- j
	}
	close(in)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx, in) }()

	var got []pageformat.DeltaItem
	for item := range pool.Results() {
		got = append(got, item)
	}
	require.NoError(t, <-done)
	return got
}

func TestZeroPageShortCircuits(t *testing.T) {
	pool := New(2, AlgorithmXdelta, nil, nil)
	jobs := []Job{{Domain: pageformat.DomainMemory, Offset: 0, Length: 4096, Data: make([]byte, 4096)}}
	got := collect(t, pool, jobs)
	require.Len(t, got, 1)
	assert.Equal(t, pageformat.RefZero, got[0].Ref)
}

func TestFreeCheckerSkipsPage(t *testing.T) {
	pool := New(1, AlgorithmXdelta, nil, func(d pageformat.Domain, off uint64) bool { return off == 4096 })
	jobs := []Job{
		{Domain: pageformat.DomainMemory, Offset: 0, Length: 4096, Data: bytes.Repeat([]byte{'A'}, 4096)},
		{Domain: pageformat.DomainMemory, Offset: 4096, Length: 4096, Data: bytes.Repeat([]byte{'B'}, 4096)},
	}
	got := collect(t, pool, jobs)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(0), got[0].Offset)
}

func TestNoneAlgorithmAlwaysRaw(t *testing.T) {
	pool := New(1, AlgorithmNone, nil, nil)
	jobs := []Job{{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Data: bytes.Repeat([]byte{'C'}, 4096)}}
	got := collect(t, pool, jobs)
	require.Len(t, got, 1)
	assert.Equal(t, pageformat.RefRaw, got[0].Ref)
}

func TestRawFallbackWithoutBaseImage(t *testing.T) {
	// No base image: there is no page to patch against, so the worker
	// must fall back to RAW carrying the page bytes unchanged.
	pool := New(1, AlgorithmXdelta, nil, nil)
	data := bytes.Repeat([]byte{'D'}, 4096)
	jobs := []Job{{Domain: pageformat.DomainDisk, Offset: 0, Length: 4096, Data: data}}
	got := collect(t, pool, jobs)
	require.Len(t, got, 1)
	assert.Equal(t, pageformat.RefRaw, got[0].Ref)
	assert.Equal(t, data, got[0].Raw)
}

func TestSetConcurrencyNarrowsAndWidensWithoutDeadlock(t *testing.T) {
	pool := New(4, AlgorithmNone, nil, nil)
	ctx := context.Background()

	require.NoError(t, pool.SetConcurrency(ctx, 1))
	require.NoError(t, pool.SetConcurrency(ctx, 4))
	require.NoError(t, pool.SetConcurrency(ctx, 2))

	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{Domain: pageformat.DomainDisk, Offset: uint64(i) * 4096, Length: 4096, Data: bytes.Repeat([]byte{byte(i)}, 4096)})
	}
	got := collect(t, pool, jobs)
	assert.Len(t, got, 8)
}

func TestSetConcurrencyClampsToBounds(t *testing.T) {
	pool := New(3, AlgorithmNone, nil, nil)
	require.NoError(t, pool.SetConcurrency(context.Background(), 0))
	require.NoError(t, pool.SetConcurrency(context.Background(), 99))
	assert.Equal(t, int64(0), pool.reserved)
}
