package img

import (
	"image"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	ColorJitter TransType = 1 << iota
	RandomCrop
	CenterCrop
	Normalise
)

var (
	TrainTrans = ColorJitter | RandomCrop | Normalise
	TestTrans  = CenterCrop | Normalise
)

var transTypeNames = map[TransType]string{
	ColorJitter: "ColorJitter",
	RandomCrop:  "RandomCrop",
	CenterCrop:  "CenterCrop",
	Normalise:   "Normalise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// Per channel statistics of the images the backbone networks were trained on.
var (
	DefaultMean   = [3]float32{0.485, 0.456, 0.406}
	DefaultStdDev = [3]float32{0.229, 0.224, 0.225}
)

// Jitter sets the maximum amount of random color distortion. Brightness, contrast and
// saturation factors are chosen from [1-x, 1+x], hue shift from [-Hue, Hue] of a full turn.
type Jitter struct {
	Brightness float64
	Contrast   float64
	Saturation float64
	Hue        float64
}

var DefaultJitter = Jitter{Brightness: 0.2, Contrast: 0.2, Saturation: 0.2, Hue: 0.05}

// Transformer applies a sequence of image transformations and converts the result to an RGBImage.
type Transformer struct {
	Trans   TransType
	Crop    int
	Jitter  Jitter
	Mean    [3]float32
	StdDev  [3]float32
	Threads int
}

// Create a new transformer which crops to crop x crop pixels, crop of 0 uses the whole image.
func NewTransformer(trans TransType, crop int, jitter Jitter) *Transformer {
	return &Transformer{
		Trans:   trans,
		Crop:    crop,
		Jitter:  jitter,
		Mean:    DefaultMean,
		StdDev:  DefaultStdDev,
		Threads: runtime.GOMAXPROCS(0),
	}
}

// Output size of the transformed image given the source bounds
func (t *Transformer) Size(b image.Rectangle) (w, h int) {
	w, h = b.Dx(), b.Dy()
	if t.Trans&(RandomCrop|CenterCrop) != 0 && t.Crop > 0 {
		if t.Crop < w {
			w = t.Crop
		}
		if t.Crop < h {
			h = t.Crop
		}
	}
	return w, h
}

// Transform a batch of images in parallel. Each image gets its own random source seeded in turn
// from rng so the result does not depend on the scheduling of the worker threads.
func (t *Transformer) TransformBatch(src []image.Image, rng *rand.Rand, dst []*RGBImage) []*RGBImage {
	if dst == nil {
		dst = make([]*RGBImage, len(src))
	}
	seeds := make([]int64, len(src))
	for i := range seeds {
		seeds[i] = rng.Int63()
	}
	threads := t.Threads
	if threads < 1 {
		threads = 1
	}
	var wg sync.WaitGroup
	queue := make(chan int, len(src))
	for thread := 0; thread < threads; thread++ {
		wg.Add(1)
		go func() {
			for i := range queue {
				dst[i] = t.Transform(src[i], rand.New(rand.NewSource(seeds[i])))
			}
			wg.Done()
		}()
	}
	for i := range src {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return dst
}

// Perform one or more image transforms
func (t *Transformer) Transform(src image.Image, rng *rand.Rand) *RGBImage {
	b := src.Bounds()
	w, h := t.Size(b)
	at := b.Min
	switch {
	case t.Trans&RandomCrop != 0:
		at = at.Add(image.Pt(rng.Intn(b.Dx()-w+1), rng.Intn(b.Dy()-h+1)))
	case t.Trans&CenterCrop != 0:
		at = at.Add(image.Pt((b.Dx()-w)/2, (b.Dy()-h)/2))
	}
	m := FromImage(src, image.Rectangle{Min: at, Max: at.Add(image.Pt(w, h))})
	if t.Trans&ColorJitter != 0 {
		t.jitter(m, rng)
	}
	if t.Trans&Normalise != 0 {
		t.normalise(m)
	}
	return m
}

func (t *Transformer) normalise(m *RGBImage) {
	for ch := 0; ch < 3; ch++ {
		pix := m.Pixels(ch)
		for i, val := range pix {
			pix[i] = (val - t.Mean[ch]) / t.StdDev[ch]
		}
	}
}

func factor(amount float64, rng *rand.Rand) float32 {
	lo := math.Max(0, 1-amount)
	return float32(lo + rng.Float64()*(1+amount-lo))
}

func (t *Transformer) jitter(m *RGBImage, rng *rand.Rand) {
	plane := m.Width * m.Height
	r, g, b := m.Pix[:plane], m.Pix[plane:2*plane], m.Pix[2*plane:]
	if t.Jitter.Brightness > 0 {
		f := factor(t.Jitter.Brightness, rng)
		for i, v := range m.Pix {
			m.Pix[i] = clamp(v*f, 0, 1)
		}
	}
	if t.Jitter.Contrast > 0 {
		f := factor(t.Jitter.Contrast, rng)
		var mean float32
		for i := range r {
			mean += gray(r[i], g[i], b[i])
		}
		mean /= float32(plane)
		for i, v := range m.Pix {
			m.Pix[i] = clamp((v-mean)*f+mean, 0, 1)
		}
	}
	if t.Jitter.Saturation > 0 {
		f := factor(t.Jitter.Saturation, rng)
		for i := range r {
			y := gray(r[i], g[i], b[i])
			r[i] = clamp((r[i]-y)*f+y, 0, 1)
			g[i] = clamp((g[i]-y)*f+y, 0, 1)
			b[i] = clamp((b[i]-y)*f+y, 0, 1)
		}
	}
	if t.Jitter.Hue > 0 {
		shift := float32((2*rng.Float64() - 1) * t.Jitter.Hue)
		for i := range r {
			hue, sat, val := rgbToHSV(r[i], g[i], b[i])
			hue += shift
			hue -= float32(math.Floor(float64(hue)))
			r[i], g[i], b[i] = hsvToRGB(hue, sat, val)
		}
	}
}

func gray(r, g, b float32) float32 {
	return 0.299*r + 0.587*g + 0.114*b
}

// hue is returned as a fraction of a full turn in range [0, 1)
func rgbToHSV(r, g, b float32) (h, s, v float32) {
	max := float32(math.Max(float64(r), math.Max(float64(g), float64(b))))
	min := float32(math.Min(float64(r), math.Min(float64(g), float64(b))))
	v = max
	d := max - min
	if max <= 0 || d <= 0 {
		return 0, 0, v
	}
	s = d / max
	switch max {
	case r:
		h = (g - b) / d
	case g:
		h = 2 + (b-r)/d
	default:
		h = 4 + (r-g)/d
	}
	h /= 6
	if h < 0 {
		h++
	}
	return h, s, v
}

func hsvToRGB(h, s, v float32) (r, g, b float32) {
	if s <= 0 {
		return v, v, v
	}
	h6 := h * 6
	i := int(h6) % 6
	f := h6 - float32(math.Floor(float64(h6)))
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	switch i {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}
