// Package web serves a live view of the training progress.
package web

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LILIBIUALREADY/computer-visual/nnet"
	"github.com/LILIBIUALREADY/computer-visual/stats"
	"github.com/goji/httpauth"
	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	sessionName = "monitor"
	defaultRows = 10
	plotWidth   = 800
	plotHeight  = 400
	writeWait   = 5 * time.Second
	sendBuffer  = 16
)

//go:embed assets/*.html
var assets embed.FS

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Monitor records the stats for each epoch and publishes them over HTTP.
type Monitor struct {
	Title string
	sync.Mutex
	history []nnet.Stats
	clients map[*client]bool
	tmpl    *template.Template
	store   sessions.Store
	user    string
	pass    string
	server  *http.Server
}

// NewMonitor creates a monitor. If auth is of the form user:pass then basic auth is required on all routes.
func NewMonitor(title, auth string) (*Monitor, error) {
	m := &Monitor{
		Title:   title,
		clients: map[*client]bool{},
		store:   sessions.NewCookieStore(securecookie.GenerateRandomKey(32)),
	}
	if auth != "" {
		i := strings.Index(auth, ":")
		if i < 1 {
			return nil, errors.New("monitor auth should be user:pass")
		}
		m.user, m.pass = auth[:i], auth[i+1:]
	}
	var err error
	m.tmpl, err = template.ParseFS(assets, "assets/*.html")
	return m, errors.Wrap(err, "parse templates")
}

// Handler returns the router for the monitor pages.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", m.Base()).Methods("GET")
	r.HandleFunc("/stats", m.Stats()).Methods("GET")
	r.HandleFunc("/plot/loss.svg", m.Plot()).Methods("GET")
	r.HandleFunc("/ws", m.Websocket())
	if m.user != "" {
		return httpauth.SimpleBasicAuth(m.user, m.pass)(r)
	}
	return r
}

// Start listening on addr, requests are served in the background until Close is called.
func (m *Monitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "start monitor")
	}
	m.server = &http.Server{Handler: m.Handler()}
	klog.Infof("monitor listening on http://%s/", ln.Addr())
	go func() {
		if err := m.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			klog.Error("monitor: ", err)
		}
	}()
	return nil
}

// Close the server and any open websocket connections.
func (m *Monitor) Close() error {
	m.Lock()
	for c := range m.clients {
		m.drop(c)
	}
	m.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Close()
}

// OnEpoch adds the stats to the history and queues them for each websocket client. A client which
// has fallen more than sendBuffer messages behind is disconnected.
func (m *Monitor) OnEpoch(s nnet.Stats) error {
	msg, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.history = append(m.history, s)
	for c := range m.clients {
		select {
		case c.send <- msg:
		default:
			klog.V(1).Info("monitor: websocket client not keeping up")
			m.drop(c)
		}
	}
	return nil
}

// websocket connection with a queue of messages to write
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// call with lock held, the writer closes the connection once the queue is drained
func (m *Monitor) drop(c *client) {
	delete(m.clients, c)
	close(c.send)
}

func (m *Monitor) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			klog.V(1).Info("monitor: websocket write: ", err)
			return
		}
	}
}

// Handler function for the main page.
func (m *Monitor) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		session, _ := m.store.Get(r, sessionName)
		rows, ok := session.Values["rows"].(int)
		if !ok {
			rows = defaultRows
		}
		if arg := r.FormValue("rows"); arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				http.Error(w, "invalid rows parameter", http.StatusBadRequest)
				return
			}
			rows = n
			session.Values["rows"] = n
			if err = session.Save(r, w); err != nil {
				logError(w, err)
				return
			}
		}
		m.Lock()
		defer m.Unlock()
		var buf bytes.Buffer
		if len(m.history) > 0 {
			if err := m.writePlot(&buf); err != nil {
				logError(w, err)
				return
			}
		}
		page := pageData{
			Title:   m.Title,
			Headers: nnet.StatsHeaders(),
			Rows:    latest(m.history, rows),
			Plot:    template.HTML(buf.String()),
		}
		if n := len(m.history); n > 0 {
			last := m.history[n-1]
			page.Heading = fmt.Sprintf("epoch %d", last.Epoch)
			page.RunTime = fmt.Sprintf("run time: %s", last.Elapsed.Round(10*time.Millisecond))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := m.tmpl.ExecuteTemplate(w, "monitor", page); err != nil {
			klog.Error("monitor: ", err)
		}
	}
}

// Handler function returning the stats history as JSON.
func (m *Monitor) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Lock()
		data, err := json.Marshal(append([]nnet.Stats{}, m.history...))
		m.Unlock()
		if err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// Handler function for the loss plot.
func (m *Monitor) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		m.Lock()
		err := m.writePlot(&buf)
		m.Unlock()
		if err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write(buf.Bytes())
	}
}

// Handler function for websocket connection. The latest stats are sent as soon as the client connects.
func (m *Monitor) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			klog.Error("monitor: websocket upgrade: ", err)
			return
		}
		c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
		m.Lock()
		m.clients[c] = true
		if n := len(m.history); n > 0 {
			if msg, err := json.Marshal(m.history[n-1]); err == nil {
				c.send <- msg
			}
		}
		m.Unlock()
		go m.writeLoop(c)
		go m.readLoop(c)
	}
}

// discard incoming messages until the client goes away
func (m *Monitor) readLoop(c *client) {
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			m.Lock()
			if m.clients[c] {
				m.drop(c)
			}
			m.Unlock()
			return
		}
	}
}

func (m *Monitor) writePlot(buf *bytes.Buffer) error {
	var train, valid []float64
	for _, s := range m.history {
		train = append(train, s.TrainLoss)
		if s.BestSince >= 0 {
			valid = append(valid, s.ValidLoss)
		}
	}
	p, err := stats.LossPlot(m.Title, stats.Line{Name: "train", Values: train}, stats.Line{Name: "valid", Values: valid})
	if err != nil {
		return err
	}
	return stats.WriteSVG(buf, p, plotWidth, plotHeight)
}

type pageData struct {
	Title   string
	Heading string
	RunTime string
	Headers []string
	Rows    []nnet.Stats
	Plot    template.HTML
}

// most recent n entries, newest first
func latest(history []nnet.Stats, n int) []nnet.Stats {
	res := []nnet.Stats{}
	for i := len(history) - 1; i >= 0 && len(res) < n; i-- {
		res = append(res, history[i])
	}
	return res
}

func logError(w http.ResponseWriter, err error) {
	klog.Error("monitor: ", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
