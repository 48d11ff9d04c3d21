package control_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/spectran/control"
	"github.com/hb9tf/spectran/drivers"
	"github.com/hb9tf/spectran/export"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type response struct {
	Message json.RawMessage `json:"message"`
	Kind    string          `json:"kind"`
}

func (r response) text(t *testing.T) string {
	var s string
	require.NoError(t, json.Unmarshal(r.Message, &s))
	return s
}

func call(t *testing.T, h http.Handler, method, path string, body interface{}) (int, response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func newController(t *testing.T) (*control.Controller, http.Handler) {
	c := control.New(drivers.Options{Seed: 1})
	t.Cleanup(func() { c.Close() })
	return c, c.Router()
}

var shortRun = map[string]interface{}{
	"sample_rate": "1 kHz",
	"duration":    map[string]interface{}{"magnitude": 0.1, "unit": "s"},
	"averages":    3,
}

func waitIdle(t *testing.T, h http.Handler) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, resp := call(t, h, http.MethodGet, "/running", nil)
		return string(resp.Message) == "false"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	_, h := newController(t)

	code, resp := call(t, h, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", resp.text(t))

	code, resp = call(t, h, http.MethodGet, "/alive", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "API Server Running", resp.text(t))

	_, resp = call(t, h, http.MethodGet, "/drivers", nil)
	assert.JSONEq(t, `["audio","serialadc","simulated"]`, string(resp.Message))
}

func TestConnectDevice(t *testing.T) {
	c, h := newController(t)

	code, resp := call(t, h, http.MethodPost, "/start_measurement", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NotReady", resp.Kind)

	code, resp = call(t, h, http.MethodPost, "/connect_device", map[string]string{"driver": "nidaqmx", "device": "Dev1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NotReady", resp.Kind)

	code, resp = call(t, h, http.MethodPost, "/connect_device", map[string]string{"driver": "simulated", "device": "Dev9"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NoDevice", resp.Kind)

	code, resp = call(t, h, http.MethodGet, "/ports", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NotReady", resp.Kind)

	code, resp = call(t, h, http.MethodPost, "/connect_device", map[string]string{"driver": "simulated", "device": "Dev1"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Connected to Dev1 on simulated", resp.text(t))
	assert.Equal(t, "Dev1", c.Loop().Driver().ConnectedDevice())

	_, resp = call(t, h, http.MethodGet, "/devices?driver=simulated", nil)
	assert.JSONEq(t, `["Dev1","Dev2","Dev3"]`, string(resp.Message))

	code, resp = call(t, h, http.MethodGet, "/ports", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Message), "ai0")
}

func TestConfigMerge(t *testing.T) {
	c, h := newController(t)
	before := c.Config()

	code, _ := call(t, h, http.MethodPost, "/config", map[string]interface{}{"averages": 5})
	require.Equal(t, http.StatusOK, code)
	after := c.Config()
	assert.Equal(t, 5, after.Averages)
	assert.Equal(t, before.SampleRate, after.SampleRate, "fields not posted are kept")

	code, resp := call(t, h, http.MethodPost, "/config", map[string]interface{}{"averages": 0})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidConfiguration", resp.Kind)
	assert.Equal(t, 5, c.Config().Averages, "rejected configurations are not applied")

	code, _ = call(t, h, http.MethodPost, "/config", map[string]interface{}{"sample_rate": "2 s"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConfigMergeConcurrent(t *testing.T) {
	c, h := newController(t)

	posts := []map[string]interface{}{
		{"averages": 7},
		{"unit": "mV"},
		{"input_channel": "ai3"},
		{"terminal_config": "DIFF"},
	}
	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		for _, body := range posts {
			wg.Add(1)
			go func(body map[string]interface{}) {
				defer wg.Done()
				code, _ := call(t, h, http.MethodPost, "/config", body)
				assert.Equal(t, http.StatusOK, code)
			}(body)
		}
	}
	wg.Wait()

	cfg := c.Config()
	assert.Equal(t, 7, cfg.Averages)
	assert.Equal(t, "mV", cfg.Unit)
	assert.Equal(t, "ai3", cfg.Channel)
	assert.EqualValues(t, "DIFF", cfg.TerminalConfig)
}

func TestMeasureAndSave(t *testing.T) {
	_, h := newController(t)

	code, _ := call(t, h, http.MethodPost, "/connect_device", map[string]string{"driver": "simulated", "device": "Dev1"})
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, h, http.MethodPost, "/config", shortRun)
	require.Equal(t, http.StatusOK, code)

	path := filepath.Join(t.TempDir(), "run.txt")
	code, resp := call(t, h, http.MethodPost, "/save_file", map[string]string{"file_path": path})
	assert.Equal(t, http.StatusNotFound, code, "nothing measured yet")
	assert.Equal(t, "NoData", resp.Kind)

	code, resp = call(t, h, http.MethodPost, "/start_measurement", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Measurement started", resp.text(t))
	waitIdle(t, h)

	code, resp = call(t, h, http.MethodPost, "/save_file", map[string]interface{}{"file_path": path, "save_time_line": true})
	require.Equal(t, http.StatusOK, code, string(resp.Message))
	assert.Equal(t, "Data saved to "+path, resp.text(t))

	s, err := export.ReadText(path)
	require.NoError(t, err)
	assert.Len(t, s.VoltageData, 3)
	assert.Len(t, s.VoltageData[0], 100)
	assert.Equal(t, "simulated", s.Config.Driver)

	npy := filepath.Join(t.TempDir(), "run.npy")
	code, _ = call(t, h, http.MethodPost, "/save_file", map[string]string{"file_path": npy})
	require.Equal(t, http.StatusOK, code)
	_, err = os.Stat(npy)
	assert.NoError(t, err)

	code, resp = call(t, h, http.MethodPost, "/save_file", map[string]string{"file_path": npy, "format": "hdf5"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidConfiguration", resp.Kind)
}

func TestEnablePlotting(t *testing.T) {
	c, h := newController(t)

	code, _ := call(t, h, http.MethodPost, "/enable_plotting", map[string]bool{"signal": true, "spectrum": false})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, c.Hub().SignalEnabled())
	assert.False(t, c.Loop().SpectrumEnabled())

	code, _ = call(t, h, http.MethodPost, "/enable_plotting", map[string]bool{"spectrum": true})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, c.Hub().SignalEnabled(), "absent toggles are left alone")
	assert.True(t, c.Loop().SpectrumEnabled())
}

func TestWebsocketEvents(t *testing.T) {
	c, h := newController(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return c.Hub().Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	code, _ := call(t, h, http.MethodPost, "/connect_device", map[string]string{"driver": "simulated", "device": "Dev2"})
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, h, http.MethodPost, "/config", shortRun)
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, h, http.MethodPost, "/start_measurement", nil)
	require.Equal(t, http.StatusOK, code)

	var msgs []control.Message
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg control.Message
		require.NoError(t, conn.ReadJSON(&msg))
		msgs = append(msgs, msg)
		if msg.Type == "finished" {
			break
		}
	}

	require.Len(t, msgs, 5, "three progress updates, the settle update and finished")
	for i, msg := range msgs[:3] {
		assert.Equal(t, "progress", msg.Type)
		assert.Equal(t, i, msg.Index)
		assert.Equal(t, i+1, msg.Done)
		assert.NotEmpty(t, msg.PSD)
		assert.Empty(t, msg.Trace, "signal plotting is off")
	}
	assert.True(t, msgs[3].Settle)
	assert.True(t, msgs[3].Complete)
	assert.Equal(t, "Completed", msgs[4].State)
	assert.Equal(t, c.Loop().Config().SessionID, msgs[4].SessionID)
}
