package web

import (
	"fmt"
	"net/http"

	"github.com/jnb666/houseprice/houses"
	"github.com/jnb666/houseprice/nnet"
)

type ConfigPage struct {
	*Templates
	Fields []Field
	Data   []Field
	Layers []Layer
	mon    *Monitor
}

type Field struct {
	Name    string
	Value   string
	Boolean bool
	On      bool
}

type Layer struct {
	Index int
	Desc  string
}

// Base data for handler function to view the network config and dataset options
func NewConfigPage(t *Templates, mon *Monitor, conf nnet.Config, opts houses.Options) *ConfigPage {
	p := &ConfigPage{mon: mon}
	p.Templates = t.Select("/config")
	p.Fields = getFields(conf)
	p.Data = []Field{
		{Name: "DataDir", Value: opts.DataDir},
		{Name: "TileSize", Value: fmt.Sprint(opts.TileSize)},
		{Name: "Crop", Value: fmt.Sprint(opts.InputSize())},
		{Name: "Seed", Value: fmt.Sprint(opts.Seed)},
		{Name: "TestFrac", Value: fmt.Sprint(opts.TestFrac)},
		{Name: "ValidFrac", Value: fmt.Sprint(opts.ValidFrac)},
		{Name: "Jitter", Value: fmt.Sprintf("%+v", opts.Jitter)},
	}
	p.Layers = getLayers(conf)
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mon.Lock()
		defer p.mon.Unlock()
		p.Exec(w, "config", p)
	}
}

func (p *ConfigPage) Heading() string {
	return p.mon.Model + " config"
}

func getFields(conf nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		f := Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
		f.On, f.Boolean = conf.Get(key).(bool)
		flds = append(flds, f)
	}
	return flds
}

func getLayers(conf nnet.Config) []Layer {
	layers := make([]Layer, len(conf.Layers))
	for i, l := range conf.Layers {
		layers[i].Index = i
		layers[i].Desc = l.String()
	}
	return layers
}
