/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package eventlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/firequery/fanout/pkg/common/observability/logging"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVSink_WritesRows(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	start := time.UnixMilli(1_700_000_000_000)
	clk := testclock.NewFakeClock(start)

	sink, err := NewCSVSink(CSVConfig{Dir: dir, Role: "leader", ProcessID: "A"}, clk, logging.NewTestLogger())
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`metrics-leader-A-.+-\d+-1700000000000\.csv$`), filepath.Base(sink.Path()))

	sink.Emit(Event{Kind: KindEnqueue, RequestID: "r1", Process: "A", QueueDepth: 1, ActiveCount: 1, Extra: "A enqueue"})
	clk.Step(1500 * time.Microsecond)
	sink.Emit(Event{
		Kind: KindChunkRelay, RequestID: "r1", Process: "A", ChunkNumber: 4, Records: 100,
		Extra: "A source=C,\nseq=4",
	})
	require.NoError(t, sink.Close())

	rows := readRows(t, sink.Path())
	require.Len(t, rows, 3)
	if diff := cmp.Diff(Header, rows[0]); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}

	host, _ := os.Hostname()
	pid := strconv.Itoa(os.Getpid())
	want := [][]string{
		{"1700000000000", "0.000", "ENQUEUE", "r1", "A", "leader", host, pid, "1", "1", "0", "0", "A enqueue"},
		{"1700000000001", "1.500", "CHUNK_RELAY", "r1", "A", "leader", host, pid, "0", "0", "4", "100", "A source=C, seq=4"},
	}
	if diff := cmp.Diff(want, rows[1:]); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVSink_SynchronousFallbackKeepsEveryEvent(t *testing.T) {
	t.Parallel()
	clk := testclock.NewFakeClock(time.Now())
	sink, err := NewCSVSink(CSVConfig{Dir: t.TempDir(), Role: "leader", ProcessID: "A", BufferSize: 1}, clk,
		logging.NewTestLogger())
	require.NoError(t, err)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				sink.Emit(Event{Kind: KindChunkRelay, RequestID: fmt.Sprintf("r%d", w), ChunkNumber: int64(i)})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	rows := readRows(t, sink.Path())
	assert.Len(t, rows, 1+writers*perWriter, "no event may be lost when the buffer overflows")
}

func TestCSVSink_EmitAfterClose(t *testing.T) {
	t.Parallel()
	clk := testclock.NewFakeClock(time.Now())
	sink, err := NewCSVSink(CSVConfig{Dir: t.TempDir(), ProcessID: "A"}, clk, logging.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.NotPanics(t, func() { sink.Emit(Event{Kind: KindFinish}) })
	assert.NoError(t, sink.Close(), "Close is idempotent")
	assert.Len(t, readRows(t, sink.Path()), 1)
}

func TestSanitizeToken(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unknown", sanitizeToken(""))
	assert.Equal(t, "host_a.local", sanitizeToken("host/a.local"))
}
