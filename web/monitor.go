// Package web has an optional web interface to monitor network training.
package web

import (
	"fmt"
	"html/template"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/houseprice/nnet"
)

// Monitor wraps the tester used for training to record the stats and notify any connected
// websocket clients after each epoch.
type Monitor struct {
	nnet.StatsTester
	Model    string
	MaxEpoch int
	epoch    int
	running  bool
	stats    []nnet.Stats
	conns    map[*websocket.Conn]bool
	sync.Mutex
}

// Create a new monitor for the given model config.
func NewMonitor(test nnet.StatsTester, conf nnet.Config) *Monitor {
	return &Monitor{
		StatsTester: test,
		Model:       conf.Model,
		MaxEpoch:    conf.MaxEpoch,
		conns:       map[*websocket.Conn]bool{},
	}
}

// Test calls the wrapped tester then records the latest stats.
func (m *Monitor) Test(net *nnet.Network, epoch int, loss float64, start time.Time) (bool, error) {
	done, err := m.StatsTester.Test(net, epoch, loss, start)
	if err != nil {
		return done, err
	}
	m.Lock()
	defer m.Unlock()
	m.epoch = epoch
	m.running = !done
	if s, ok := m.Latest(); ok {
		m.stats = append(m.stats, s)
	}
	m.notify([]byte("epoch:" + strconv.Itoa(epoch)))
	return done, nil
}

// send message to each client, must be called with lock held
func (m *Monitor) notify(msg []byte) {
	for conn := range m.conns {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Println("notify: error writing to websocket:", err)
			conn.Close()
			delete(m.conns, conn)
		}
	}
}

func (m *Monitor) addConn(conn *websocket.Conn) {
	m.Lock()
	m.conns[conn] = true
	m.Unlock()
}

func (m *Monitor) removeConn(conn *websocket.Conn) {
	m.Lock()
	if m.conns[conn] {
		conn.Close()
		delete(m.conns, conn)
	}
	m.Unlock()
}

// Stats returns a copy of the stats recorded so far.
func (m *Monitor) Stats() []nnet.Stats {
	m.Lock()
	defer m.Unlock()
	return append([]nnet.Stats{}, m.stats...)
}

// Close any open websocket connections.
func (m *Monitor) Close() {
	m.Lock()
	defer m.Unlock()
	for conn := range m.conns {
		conn.Close()
		delete(m.conns, conn)
	}
}

func (m *Monitor) heading() template.HTML {
	s := fmt.Sprintf(`%s: epoch <span id="epoch">%d</span> of %d`, m.Model, m.epoch, m.MaxEpoch)
	return template.HTML(s)
}
