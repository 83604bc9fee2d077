package launcher_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotxlem/assemblylift/launcher"
	"github.com/dotxlem/assemblylift/runner"
	"github.com/dotxlem/assemblylift/status"
)

func TestSuccessRelayedAs200(t *testing.T) {
	ch := runner.NewRunnerChannel(1)
	go func() {
		msg := <-ch.Rx
		msg.StatusSender <- status.Success{Body: []byte("ok")}
	}()

	l := launcher.New(ch.Tx, "/opt/assemblylift/fn.wasm", nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hi"))
	l.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestFailureRelayedAs500(t *testing.T) {
	ch := runner.NewRunnerChannel(1)
	go func() {
		msg := <-ch.Rx
		msg.StatusSender <- status.Failure{Body: []byte("boom")}
	}()

	l := launcher.New(ch.Tx, "/opt/assemblylift/fn.wasm", nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	l.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "boom", rec.Body.String())
}

func TestExitedIsNotClientVisibleOnItsOwn(t *testing.T) {
	ch := runner.NewRunnerChannel(1)
	go func() {
		msg := <-ch.Rx
		msg.StatusSender <- status.Exited{Code: 0}
		time.Sleep(10 * time.Millisecond)
		msg.StatusSender <- status.Success{Body: []byte("eventually")}
	}()

	l := launcher.New(ch.Tx, "/opt/assemblylift/fn.wasm", nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	l.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "eventually", rec.Body.String())
}

func TestTimeoutProducesDefault500(t *testing.T) {
	ch := runner.NewRunnerChannel(1)
	go func() {
		<-ch.Rx // never responds
	}()

	l := launcher.New(ch.Tx, "/opt/assemblylift/fn.wasm", nil).WithTimeout(20 * time.Millisecond)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	l.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunnerChannelFullYieldsServiceUnavailable(t *testing.T) {
	ch := runner.NewRunnerChannel(1)
	ch.Tx <- runner.RunnerMessage{} // fill the one slot, nobody drains it

	l := launcher.New(ch.Tx, "/opt/assemblylift/fn.wasm", nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	l.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
