package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/dbopen"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestMetricsManager_FlushOnClose(t *testing.T) {
	// WHAT: Buffered datapoints are persisted by Close.
	// WHY: Shutdown must not lose the last task durations.
	db := openDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	mm.Record(Metric{Name: MetricTaskDurationMs, Value: 1200, Unit: "milliseconds", Labels: map[string]string{"type": "live_analysis"}})
	mm.Record(Metric{Name: MetricTaskOutcome, Value: 1, Labels: map[string]string{"outcome": "completed"}})
	mm.Close()
	mm.Close()

	got, err := mm.Query(context.Background(), MetricTaskDurationMs, time.Now().Add(-time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 1200 || got[0].Labels["type"] != "live_analysis" {
		t.Fatalf("got %+v", got)
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	db := openDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()
	mm.Record(Metric{Name: "a", Value: 1})
	mm.Record(Metric{Name: "b", Value: 2})

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n)
	if n != 2 {
		t.Fatalf("rows after full buffer: %d", n)
	}
}

func TestEventLog(t *testing.T) {
	db := openDB(t)
	log := NewEventLog(db, nil)
	ctx := context.Background()
	base := time.Now()
	log.Append(ctx, TaskEvent{Kind: "stalled", TaskID: "tsk_1", TaskType: "knowledge_base", Symbol: "AAPL", CreatedAt: base})
	log.Append(ctx, TaskEvent{Kind: "completed", TaskID: "tsk_1", TaskType: "knowledge_base", Attempt: 2, CreatedAt: base.Add(time.Second)})
	log.Append(ctx, TaskEvent{Kind: "completed", TaskID: "tsk_2", TaskType: "market_scan", CreatedAt: base})

	events, err := log.ForTask(ctx, "tsk_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Kind != "stalled" || events[1].Attempt != 2 {
		t.Fatalf("events: %+v", events)
	}
	if events[0].ID == "" || events[0].ID[:4] != "evt_" {
		t.Fatalf("event id: %q", events[0].ID)
	}
}
