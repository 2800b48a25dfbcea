package web

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/nnet"
	"gotest.tools/assert"
)

type testTester struct {
	stats []nnet.Stats
}

func (t *testTester) Test(net *nnet.Network, epoch int, loss float64, start time.Time) (bool, error) {
	t.stats = append(t.stats, nnet.Stats{Epoch: epoch, TrainLoss: loss, ValidLoss: loss + 0.1, Elapsed: time.Second})
	return epoch >= 3, nil
}

func (t *testTester) Restore(net *nnet.Network) error { return nil }

func (t *testTester) History() []nnet.Stats { return t.stats }

func (t *testTester) Latest() (nnet.Stats, bool) {
	if len(t.stats) == 0 {
		return nnet.Stats{}, false
	}
	return t.stats[len(t.stats)-1], true
}

func testDataset(t *testing.T) *houses.Dataset {
	opts := houses.DefaultOptions
	opts.DataDir = t.TempDir()
	dir := filepath.Join(opts.DataDir, "train")
	assert.NilError(t, os.MkdirAll(dir, 0755))
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := range src.Pix {
		src.Pix[i] = 128
	}
	for id := 1; id <= 2; id++ {
		for _, view := range houses.Views {
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%d_%s.jpg", id, view)))
			assert.NilError(t, err)
			assert.NilError(t, jpeg.Encode(f, src, nil))
			assert.NilError(t, f.Close())
		}
	}
	records := []houses.Record{{Price: 150000}, {Price: 250000}}
	d, err := houses.NewDataset("train", []int{1, 2}, records, opts)
	assert.NilError(t, err)
	return d
}

func testRouter(t *testing.T, opts Options) (*Monitor, http.Handler) {
	conf := nnet.DefaultConfig
	conf.MaxEpoch = 3
	mon := NewMonitor(&testTester{}, conf)
	data := map[string]*houses.Dataset{"train": testDataset(t)}
	r, err := NewRouter(mon, conf, houses.DefaultOptions, data, opts)
	assert.NilError(t, err)
	return mon, r
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", url, nil))
	return w
}

func TestMonitor(t *testing.T) {
	mon, _ := testRouter(t, Options{})
	for epoch := 1; epoch <= 3; epoch++ {
		done, err := mon.Test(nil, epoch, 1/float64(epoch), time.Now())
		assert.NilError(t, err)
		assert.Equal(t, done, epoch == 3)
	}
	stats := mon.Stats()
	assert.Equal(t, len(stats), 3)
	assert.Equal(t, stats[2].Epoch, 3)
	assert.Assert(t, !mon.running)
	assert.NilError(t, mon.Restore(nil))
}

func TestTrainStats(t *testing.T) {
	mon, r := testRouter(t, Options{})
	w := get(t, r, "/")
	assert.Equal(t, w.Code, http.StatusFound)
	assert.Equal(t, w.Header().Get("Location"), "/train/stats")

	mon.Test(nil, 1, 0.9, time.Now())
	mon.Test(nil, 2, 0.7, time.Now())
	w = get(t, r, "/train/stats")
	assert.Equal(t, w.Code, http.StatusOK)
	body := w.Body.String()
	assert.Assert(t, strings.Contains(body, `epoch <span id="epoch">2</span> of 3`), body)
	assert.Assert(t, strings.Contains(body, "0.7000"), body)
	assert.Assert(t, strings.Contains(body, "<svg"))
	assert.Assert(t, strings.Contains(body, "running"))
}

func TestLossPlot(t *testing.T) {
	mon, r := testRouter(t, Options{})
	mon.Test(nil, 1, 0.5, time.Now())
	w := get(t, r, "/plot/loss.svg?w=300&h=200")
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, w.Header().Get("Content-Type"), "image/svg+xml")
	assert.Assert(t, strings.Contains(w.Body.String(), "<svg"))
}

func TestConfigPage(t *testing.T) {
	_, r := testRouter(t, Options{})
	w := get(t, r, "/config")
	assert.Equal(t, w.Code, http.StatusOK)
	body := w.Body.String()
	assert.Assert(t, strings.Contains(body, "resnet8 config"))
	assert.Assert(t, strings.Contains(body, "TrainBatch"))
	assert.Assert(t, strings.Contains(body, "TileSize"))
}

func TestImages(t *testing.T) {
	_, r := testRouter(t, Options{})
	w := get(t, r, "/images/train/1")
	assert.Equal(t, w.Code, http.StatusOK)
	body := w.Body.String()
	assert.Assert(t, strings.Contains(body, `/img/train/1"`), body)
	assert.Assert(t, strings.Contains(body, "$250000"), body)
	assert.Assert(t, strings.Contains(body, "price: 200000.0&PlusMinus;70710.7"), body)

	w = get(t, r, "/img/train/1")
	assert.Equal(t, w.Code, http.StatusOK)
	m, err := png.Decode(w.Body)
	assert.NilError(t, err)
	size := 2 * houses.DefaultOptions.TileSize
	assert.Equal(t, m.Bounds(), image.Rect(0, 0, size, size))
	r0, _, _, _ := m.At(size/2, size/2).RGBA()
	assert.Assert(t, near(r0>>8, 128), r0>>8)

	assert.Equal(t, get(t, r, "/img/train/2").Code, http.StatusNotFound)
	assert.Equal(t, get(t, r, "/images/test/1").Code, http.StatusNotFound)
}

func near(c uint32, v int) bool {
	d := int(c) - v
	return d > -8 && d < 8
}

func TestWebsocket(t *testing.T) {
	mon, r := testRouter(t, Options{})
	srv := httptest.NewServer(r)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.NilError(t, err)
	defer conn.Close()
	for i := 0; i < 100; i++ {
		mon.Lock()
		n := len(mon.conns)
		mon.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err = mon.Test(nil, 1, 0.5, time.Now())
	assert.NilError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, string(msg), "epoch:1")
	mon.Close()
}

func connCount(mon *Monitor) int {
	mon.Lock()
	defer mon.Unlock()
	return len(mon.conns)
}

func TestWebsocketClose(t *testing.T) {
	mon, r := testRouter(t, Options{})
	srv := httptest.NewServer(r)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.NilError(t, err)
	for i := 0; i < 100 && connCount(mon) == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, connCount(mon), 1)
	conn.Close()
	for i := 0; i < 200 && connCount(mon) > 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, connCount(mon), 0)
}

func TestAuth(t *testing.T) {
	_, r := testRouter(t, Options{User: "admin", Password: "secret"})
	w := get(t, r, "/config")
	assert.Equal(t, w.Code, http.StatusUnauthorized)

	req := httptest.NewRequest("GET", "/config", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, w.Code, http.StatusUnauthorized)

	req = httptest.NewRequest("GET", "/config", nil)
	req.SetBasicAuth("admin", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, w.Code, http.StatusOK)
	cookies := w.Result().Cookies()
	assert.Equal(t, len(cookies), 1)
	assert.Equal(t, cookies[0].Name, cookieName)

	req = httptest.NewRequest("GET", "/config", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, w.Code, http.StatusOK)
	body, _ := io.ReadAll(w.Body)
	assert.Assert(t, strings.Contains(string(body), "config"))
}
