package server

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
	"github.com/crystal-mush/cmdhost/pkg/dispatch"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

func TestMetricsCountOutcomes(t *testing.T) {
	g := newTestGame(t, nil)
	g.Library.Add(cmdset.MustSet("broken", 1, cmdset.Union, &cmdset.Command{
		Name: "explode",
		Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error {
			panic("kaboom")
		}),
	}))
	if err := g.AttachSet(refFor(0, gamedb.TypeRoom), "broken", false); err != nil {
		t.Fatal(err)
	}
	wiz := login(t, g, "Wizard", wizPass)

	done := g.Metrics.linesTotal.WithLabelValues("done", "ok")
	before := testutil.ToFloat64(done)
	wiz.run("look")
	wiz.run("look")
	if got := testutil.ToFloat64(done) - before; got != 2 {
		t.Errorf("done lines = %v, want 2", got)
	}

	wiz.run("xyzzy")
	if got := testutil.ToFloat64(g.Metrics.linesTotal.WithLabelValues("rejected", "nomatch")); got != 1 {
		t.Errorf("nomatch lines = %v", got)
	}

	if out := wiz.run("explode"); out.State != dispatch.Faulted {
		t.Fatalf("explode: %s", out.State)
	}
	if got := testutil.ToFloat64(g.Metrics.handlerFaults); got != 1 {
		t.Errorf("faults = %v", got)
	}
	if testutil.CollectAndCount(g.Metrics.tableSize) != 1 {
		t.Error("table size histogram not collected")
	}

	rec := httptest.NewRecorder()
	g.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{`cmdhost_sessions_connected{transport="tcp"} 1`, "cmdhost_handler_faults_total 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics lacks %q", want)
		}
	}
}
