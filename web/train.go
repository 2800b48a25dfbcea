package web

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/houseprice/nnet"
	"github.com/jnb666/houseprice/report"
)

const (
	plotWidth  = 600
	plotHeight = 400
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	mon *Monitor
}

// Base data for handler functions to display the training stats
func NewTrainPage(t *Templates, mon *Monitor) *TrainPage {
	p := &TrainPage{mon: mon}
	p.Templates = t.Select("/train")
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mon.Lock()
		defer p.mon.Unlock()
		p.Exec(w, "train", p)
	}
}

// Handler function for the loss plot image, size may be set with w and h query parameters
func (p *TrainPage) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		width := formInt(r, "w", plotWidth)
		height := formInt(r, "h", plotHeight)
		svg, err := report.LossPlot(p.mon.Stats()).SVG(width, height)
		if err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write(svg)
	}
}

// Handler function for websocket connection
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logError(w, err)
			return
		}
		p.mon.addConn(conn)
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					p.mon.removeConn(conn)
					return
				}
			}
		}()
	}
}

func (p *TrainPage) Heading() template.HTML {
	return p.mon.heading()
}

func (p *TrainPage) Headers() []string {
	return nnet.StatsHeaders
}

func (p *TrainPage) LatestStats(n int) []nnet.Stats {
	last := len(p.mon.stats) - 1
	res := []nnet.Stats{}
	for i := last; i >= 0 && i > last-n; i-- {
		res = append(res, p.mon.stats[i])
	}
	return res
}

func (p *TrainPage) RunTime() string {
	if len(p.mon.stats) == 0 {
		return ""
	}
	elapsed := p.mon.stats[len(p.mon.stats)-1].Elapsed
	status := "done"
	if p.mon.running {
		status = "running"
	}
	return fmt.Sprintf("%s - run time: %s", status, elapsed.Round(10*time.Millisecond))
}

func (p *TrainPage) LossPlot(width, height int) template.HTML {
	svg, err := report.LossPlot(p.mon.stats).SVG(width, height)
	if err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(svg)
}

func formInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.FormValue(key)); err == nil && v > 0 {
		return v
	}
	return def
}
