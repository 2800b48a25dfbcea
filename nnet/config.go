package nnet

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Training configuration settings
type Config struct {
	Model        string
	Eta          float64
	EtaDecay     float64
	EtaDecayStep int
	Momentum     float64
	Lambda       float64
	Shuffle      bool
	TrainBatch   int
	TestBatch    int
	MaxEpoch     int
	LogEvery     int
	StopAfter    int
	RandSeed     int64
	Threads      int
	DebugLevel   int
	FreezeGrads  bool
	Profile      bool
	Layers       []LayerConfig
}

// Default training parameters
var DefaultConfig = Config{
	Model:        "resnet8",
	Eta:          0.01,
	EtaDecay:     0.1,
	EtaDecayStep: 7,
	Momentum:     0.9,
	Shuffle:      true,
	TrainBatch:   16,
	TestBatch:    32,
	MaxEpoch:     20,
	LogEvery:     1,
}

// Load network config from json file
func LoadConfig(file string) (c Config, err error) {
	f, err := os.Open(file)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	log.Println("loading network config from", file)
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "decode config %s", file)
	}
	return c, nil
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save config to JSON file, file is written to a temporary name and then renamed.
func (c Config) Save(file string) error {
	tmpFile := filepath.Join(filepath.Dir(file), "."+filepath.Base(file))
	f, err := os.Create(tmpFile)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	log.Println("saving network config to", file)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode config %s", file)
	}
	f.Close()
	return os.Rename(tmpFile, file)
}

// Learning rate for the given epoch using step decay.
func (c Config) LearningRate(epoch int) float64 {
	eta := c.Eta
	if c.EtaDecay > 0 && c.EtaDecayStep > 0 && epoch > 1 {
		for i := 0; i < (epoch-1)/c.EtaDecayStep; i++ {
			eta *= c.EtaDecay
		}
	}
	return eta
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

func (c Config) field(key string) (reflect.Value, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() || key == "Layers" {
		return f, fmt.Errorf("invalid config field: %q", key)
	}
	return f, nil
}

func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if _, err := c.field(key); err != nil {
		return c, err
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	default:
		return c, fmt.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, err
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if _, err := c.field(key); err != nil {
		return c, err
	}
	if f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, fmt.Errorf("invalid type for SetBool: %v", f.Type().Kind())
}
