package actionlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreEvictsOldestFirst(t *testing.T) {
	s := NewStore(Config{ConsoleCapacity: 100, NetworkCapacity: 10})
	for i := 0; i < 150; i++ {
		s.Append(Entry{Kind: KindLog, Text: fmt.Sprintf("msg-%d", i)})
	}

	got := s.Query(StreamConsole, Query{Limit: 1000})
	require.Len(t, got, 100)
	assert.Equal(t, "msg-50", got[0].Text)
	assert.Equal(t, "msg-149", got[99].Text)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Seq, got[i].Seq)
	}

	st := s.Stats(StreamConsole)
	assert.Equal(t, 100, st.Retained)
	assert.Equal(t, uint64(150), st.Appended)
	assert.Equal(t, uint64(50), st.Dropped)
}

func TestStoreLimitKeepsMostRecentInOrder(t *testing.T) {
	s := NewStore(Config{})
	for i := 0; i < 10; i++ {
		s.Append(Entry{Kind: KindInfo, Text: fmt.Sprintf("m%d", i)})
	}
	got := s.Query(StreamConsole, Query{Limit: 3})
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m7", "m8", "m9"}, texts(got))
}

func TestStoreRoutesByKind(t *testing.T) {
	s := NewStore(Config{})
	s.Append(Entry{Kind: KindError, Text: "boom"})
	s.Append(Entry{Kind: KindNetworkRequest, Method: "GET", URL: "https://example.com/a"})
	s.Append(Entry{Kind: KindNetworkResponse, URL: "https://example.com/a", Status: 200})

	assert.Len(t, s.Query(StreamConsole, Query{}), 1)
	net := s.Query(StreamNetwork, Query{})
	require.Len(t, net, 2)
	assert.Equal(t, 200, net[1].Status)
}

func TestQueryTimeWindowIsHalfOpen(t *testing.T) {
	s := NewStore(Config{})
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Append(Entry{Kind: KindLog, Text: fmt.Sprintf("t%d", i), Time: base.Add(time.Duration(i) * time.Second)})
	}

	got := s.Query(StreamConsole, Query{Since: base.Add(time.Second), Until: base.Add(3 * time.Second)})
	assert.Equal(t, []string{"t1", "t2"}, texts(got))

	got = s.Query(StreamConsole, Query{Since: base.Add(3 * time.Second)})
	assert.Equal(t, []string{"t3", "t4"}, texts(got))

	got = s.Query(StreamConsole, Query{Until: base})
	assert.Empty(t, got)
}

func TestQueryFiltersAreConjunctive(t *testing.T) {
	s := NewStore(Config{})
	s.Append(Entry{Kind: KindError, Text: "Network failure"})
	s.Append(Entry{Kind: KindWarning, Text: "network slow"})
	s.Append(Entry{Kind: KindError, Text: "syntax"})
	s.Append(Entry{Kind: KindLog, Text: "network ok"})

	got := s.Query(StreamConsole, Query{Types: []Kind{KindError}, TextContains: "NETWORK"})
	assert.Equal(t, []string{"Network failure"}, texts(got))

	got = s.Query(StreamConsole, ErrorsOnly(Query{TextContains: "network"}))
	assert.Equal(t, []string{"Network failure", "network slow"}, texts(got))
}

func TestQueryTextMatchesNetworkURL(t *testing.T) {
	s := NewStore(Config{})
	s.Append(Entry{Kind: KindNetworkRequest, Method: "GET", URL: "https://api.example.com/users"})
	s.Append(Entry{Kind: KindNetworkRequest, Method: "GET", URL: "https://cdn.example.com/app.js"})

	got := s.Query(StreamNetwork, Query{TextContains: "api."})
	require.Len(t, got, 1)
	assert.Equal(t, "https://api.example.com/users", got[0].URL)
}

func TestQueryReturnsSnapshot(t *testing.T) {
	s := NewStore(Config{ConsoleCapacity: 2})
	s.Append(Entry{Text: "a"})
	got := s.Query(StreamConsole, Query{})
	s.Append(Entry{Text: "b"})
	s.Append(Entry{Text: "c"})
	assert.Equal(t, []string{"a"}, texts(got))
}

func TestCloseDiscardsAndIgnoresAppends(t *testing.T) {
	s := NewStore(Config{})
	s.Append(Entry{Text: "a"})
	s.Close()
	s.Append(Entry{Text: "b"})
	assert.Empty(t, s.Query(StreamConsole, Query{}))
	s.Close()
}

func TestConcurrentAppendAndQuery(t *testing.T) {
	s := NewStore(Config{ConsoleCapacity: 64})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Append(Entry{Kind: KindLog, Text: fmt.Sprintf("%d-%d", w, i)})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.LessOrEqual(t, len(s.Query(StreamConsole, Query{})), 64)
		}
	}()
	wg.Wait()
	assert.Equal(t, uint64(2000), s.Stats(StreamConsole).Appended)
}

func TestConsoleKind(t *testing.T) {
	assert.Equal(t, KindWarning, ConsoleKind("warning"))
	assert.Equal(t, KindWarning, ConsoleKind("WARN"))
	assert.Equal(t, KindError, ConsoleKind("assert"))
	assert.Equal(t, KindLog, ConsoleKind("table"))
	assert.True(t, KindNetworkResponse.IsNetwork())
	assert.False(t, KindTrace.IsNetwork())
}

func texts(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Text
	}
	return out
}
