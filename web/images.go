package web

import (
	"fmt"
	"html/template"
	"image/png"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/stats"
)

type ImagePage struct {
	*Templates
	Dset  string
	Page  int
	Pages int
	Rows  []int
	Cols  []int
	Size  int
	data  map[string]*houses.Dataset
	mon   *Monitor
}

// Base data for handler functions to view the tiled house images for each dataset.
func NewImagePage(t *Templates, mon *Monitor, data map[string]*houses.Dataset, size, rows, cols int) *ImagePage {
	p := &ImagePage{mon: mon, data: data, Size: size, Rows: seq(rows), Cols: seq(cols), Page: 1}
	p.Templates = t.Select("/images")
	for _, name := range houses.SplitNames {
		if _, ok := data[name]; ok {
			p.AddOption(Link{Name: name, Url: "/images/" + name + "/1"})
		}
	}
	return p
}

// Handler function for the grid of images
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mon.Lock()
		defer p.mon.Unlock()
		vars := mux.Vars(r)
		d, ok := p.data[vars["dset"]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		p.Dset = vars["dset"]
		p.SelectOptions([]string{p.Dset})
		perPage := len(p.Rows) * len(p.Cols)
		p.Pages = max(1, (d.Len()+perPage-1)/perPage)
		p.Page, _ = strconv.Atoi(vars["page"])
		p.Page = mod(p.Page, 1, p.Pages)
		p.Exec(w, "images", p)
	}
}

// Index returns the sample index for the grid position, or -1 if it is past the end.
func (p *ImagePage) Index(row, col int) int {
	ix := (p.Page-1)*len(p.Rows)*len(p.Cols) + row*len(p.Cols) + col
	if ix >= p.data[p.Dset].Len() {
		return -1
	}
	return ix
}

func (p *ImagePage) Label(ix int) string {
	d := p.data[p.Dset]
	return fmt.Sprintf("#%d $%.0f", d.IDs[ix], d.Prices[ix])
}

func (p *ImagePage) Heading() string {
	return fmt.Sprintf("%s: %s images", p.mon.Model, p.Dset)
}

// Prices returns the mean and standard deviation of the prices in the dataset.
func (p *ImagePage) Prices() template.HTML {
	var avg stats.Average
	for _, price := range p.data[p.Dset].Prices {
		avg.Add(price)
	}
	return avg.HTML()
}

func (p *ImagePage) Prev() int { return mod(p.Page-1, 1, p.Pages) }

func (p *ImagePage) Next() int { return mod(p.Page+1, 1, p.Pages) }

// Handler function for the image data
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mon.Lock()
		defer p.mon.Unlock()
		vars := mux.Vars(r)
		d, ok := p.data[vars["dset"]]
		ix, _ := strconv.Atoi(vars["index"])
		if !ok || ix < 0 || ix >= d.Len() {
			http.NotFound(w, r)
			return
		}
		m, err := d.Image(ix)
		if err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, m)
	}
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func mod(i, min, max int) int {
	if i < min {
		i = max
	}
	if i > max {
		i = min
	}
	return i
}
