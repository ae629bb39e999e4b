package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("apply", OutcomeCommitted))
	ObserveOperation("apply", OutcomeCommitted, time.Millisecond)
	if got := testutil.ToFloat64(operationsTotal.WithLabelValues("apply", OutcomeCommitted)); got != before+1 {
		t.Errorf("operations = %v, want %v", got, before+1)
	}
}

func TestDocumentsGauge(t *testing.T) {
	before := testutil.ToFloat64(documentsOpen)
	DocumentOpened()
	DocumentOpened()
	DocumentClosed()
	if got := testutil.ToFloat64(documentsOpen); got != before+1 {
		t.Errorf("documents open = %v, want %v", got, before+1)
	}
}

func TestHandlerExposesInstruments(t *testing.T) {
	JournalError()
	ObserveTransactions(2)
	ObserveOperation("undo", OutcomeNoop, 0)

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	for _, name := range []string{"arbor_journal_errors_total", "arbor_applied_transactions", "arbor_operations_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output misses %s", name)
		}
	}
}
