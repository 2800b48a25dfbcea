package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/nnet"
)

const (
	imageRows = 4
	imageCols = 5
	imageSize = 192
)

// Options for the web server
type Options struct {
	Addr     string
	User     string
	Password string
}

// NewRouter sets up the handlers for the training monitor. If opts.User is set then requests
// require basic auth.
func NewRouter(mon *Monitor, conf nnet.Config, dopts houses.Options, data map[string]*houses.Dataset, opts Options) (*mux.Router, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	trainPage := NewTrainPage(t.Clone(), mon)
	configPage := NewConfigPage(t.Clone(), mon, conf, dopts)
	imagePage := NewImagePage(t.Clone(), mon, data, imageSize, imageRows, imageCols)

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train/stats", http.StatusFound))
	r.Handle("/train", http.RedirectHandler("/train/stats", http.StatusFound))
	r.HandleFunc("/train/stats", trainPage.Base())
	r.HandleFunc("/plot/loss.svg", trainPage.Plot())
	r.HandleFunc("/ws", trainPage.Websocket())

	r.Handle("/images/", http.RedirectHandler("/images/train/1", http.StatusFound))
	r.HandleFunc("/images/{dset}/{page:[0-9]+}", imagePage.Base())
	r.HandleFunc("/img/{dset}/{index:[0-9]+}", imagePage.Image())

	r.HandleFunc("/config", configPage.Base())

	if opts.User != "" {
		r.Use(NewAuthMiddleware(opts.User, opts.Password).Middleware)
	}
	return r, nil
}

// Serve starts the http server in the background, the returned server may be used to shut it down.
func Serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("serving web page at http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println("web server error:", err)
		}
	}()
	return srv
}
