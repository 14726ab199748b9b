package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := pkgredis.Connect("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return New(rc)
}

func appendN(t *testing.T, g *Log, topic string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := g.Append(context.Background(), topic, map[string]interface{}{"seq": fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestAppendReadPreservesOrder(t *testing.T) {
	g := newTestLog(t)
	ctx := context.Background()
	ids := appendN(t, g, TopicCaptions, 20)

	entries, err := g.Read(ctx, ReadRequest{Topic: TopicCaptions, From: "0", Count: 100})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != len(ids) {
		t.Fatalf("read %d entries, want %d", len(entries), len(ids))
	}
	for i, e := range entries {
		if e.ID != ids[i] || e.Fields["seq"] != fmt.Sprint(i) {
			t.Fatalf("entry %d = %+v, want id %s seq %d", i, e, ids[i], i)
		}
	}
}

func TestGroupReadDeliversEachEntryOnce(t *testing.T) {
	g := newTestLog(t)
	ctx := context.Background()
	if err := g.EnsureGroup(ctx, TopicCaptions, "indexer", "0"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	// A second create must be tolerated.
	if err := g.EnsureGroup(ctx, TopicCaptions, "indexer", "0"); err != nil {
		t.Fatalf("EnsureGroup twice: %v", err)
	}
	ids := appendN(t, g, TopicCaptions, 15)

	var seen []string
	for {
		batch, err := g.Read(ctx, ReadRequest{Topic: TopicCaptions, Group: "indexer", Consumer: "c1", Count: 4})
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			seen = append(seen, e.ID)
		}
	}
	if len(seen) != len(ids) {
		t.Fatalf("group delivered %d entries, want %d", len(seen), len(ids))
	}
	for i := range ids {
		if seen[i] != ids[i] {
			t.Fatalf("delivery %d = %s, want %s", i, seen[i], ids[i])
		}
	}

	pending, err := g.Pending(ctx, TopicCaptions, "indexer")
	if err != nil || pending != int64(len(ids)) {
		t.Fatalf("Pending = %d, %v", pending, err)
	}
	if err := g.Ack(ctx, TopicCaptions, "indexer", seen...); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if pending, _ := g.Pending(ctx, TopicCaptions, "indexer"); pending != 0 {
		t.Fatalf("Pending after ack = %d", pending)
	}
}

func TestClaimMovesPendingToAnotherConsumer(t *testing.T) {
	g := newTestLog(t)
	ctx := context.Background()
	if err := g.EnsureGroup(ctx, TopicJobs, "workers", "0"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	appendN(t, g, TopicJobs, 3)
	if _, err := g.Read(ctx, ReadRequest{Topic: TopicJobs, Group: "workers", Consumer: "crashed", Count: 10}); err != nil {
		t.Fatalf("Read: %v", err)
	}

	claimed, err := g.Claim(ctx, TopicJobs, "workers", "rescuer", 0, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d entries, want 3", len(claimed))
	}
}

func TestDeleteCountsOnlyOnce(t *testing.T) {
	g := newTestLog(t)
	ctx := context.Background()
	ids := appendN(t, g, TopicJobResults, 1)

	first, err := g.Delete(ctx, TopicJobResults, ids[0])
	if err != nil || first != 1 {
		t.Fatalf("first Delete = %d, %v", first, err)
	}
	second, err := g.Delete(ctx, TopicJobResults, ids[0])
	if err != nil || second != 0 {
		t.Fatalf("second Delete = %d, %v", second, err)
	}
}

func TestBlockingReadTimesOutEmpty(t *testing.T) {
	g := newTestLog(t)
	start := time.Now()
	entries, err := g.Read(context.Background(), ReadRequest{Topic: TopicJobResults, From: "0", Count: 1, Block: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries from empty topic", len(entries))
	}
	if time.Since(start) < 90*time.Millisecond {
		t.Fatal("read returned before the block elapsed")
	}
}

func TestBlockingReadWakesOnAppend(t *testing.T) {
	g := newTestLog(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = g.Append(context.Background(), TopicJobResults, map[string]interface{}{"result": "{}"})
	}()
	entries, err := g.Read(context.Background(), ReadRequest{Topic: TopicJobResults, From: "0", Count: 1, Block: 2 * time.Second})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
}

func TestRangeAndRevRange(t *testing.T) {
	g := newTestLog(t)
	ctx := context.Background()
	ids := appendN(t, g, TopicCaptions, 5)

	all, err := g.Range(ctx, TopicCaptions, "-", "+", 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("Range = %d, %v", len(all), err)
	}
	newest, err := g.RevRange(ctx, TopicCaptions, "+", "-", 2)
	if err != nil {
		t.Fatalf("RevRange: %v", err)
	}
	if len(newest) != 2 || newest[0].ID != ids[4] || newest[1].ID != ids[3] {
		t.Fatalf("RevRange = %+v", newest)
	}
	if n, _ := g.Len(ctx, TopicCaptions); n != 5 {
		t.Fatalf("Len = %d", n)
	}
}

func TestAppendRejectsEmpty(t *testing.T) {
	g := newTestLog(t)
	if _, err := g.Append(context.Background(), TopicCaptions, nil); err == nil {
		t.Fatal("expected error for empty entry")
	}
}

func TestPrevOffset(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1700000000000-3", "1700000000000-2", true},
		{"1700000000000-0", "1699999999999-18446744073709551615", true},
		{"0-0", "", false},
		{"garbage", "", false},
	}
	for _, tc := range cases {
		got, ok := PrevOffset(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("PrevOffset(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNextOffset(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1700000000000-3", "1700000000000-4", true},
		{"1700000000000-18446744073709551615", "1700000000001-0", true},
		{"nope", "", false},
	}
	for _, tc := range cases {
		got, ok := NextOffset(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NextOffset(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
