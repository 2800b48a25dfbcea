package houses

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Name of the file with the split assignment in the prepared data directory.
const SplitFile = "split.json"

// Names of the data splits
var SplitNames = []string{"train", "test", "valid"}

// Split holds the house ids assigned to each of the train, test and validation sets.
type Split struct {
	Train []int `json:"train"`
	Test  []int `json:"test"`
	Valid []int `json:"valid"`
}

// NewSplit shuffles the ids and assigns ceil(testFrac*n) to the test set, then ceil(validFrac*m) of
// the remaining m to the validation set and the rest to the training set.
func NewSplit(ids []int, testFrac, validFrac float64, rng *rand.Rand) Split {
	shuffled := make([]int, len(ids))
	for i, j := range rng.Perm(len(ids)) {
		shuffled[i] = ids[j]
	}
	nTest := int(math.Ceil(testFrac * float64(len(shuffled))))
	rest := shuffled[nTest:]
	nValid := int(math.Ceil(validFrac * float64(len(rest))))
	s := Split{
		Test:  shuffled[:nTest],
		Valid: rest[:nValid],
		Train: rest[nValid:],
	}
	for _, list := range [][]int{s.Train, s.Test, s.Valid} {
		sort.Ints(list)
	}
	return s
}

// Get the ids for the named split
func (s Split) Get(name string) []int {
	switch name {
	case "train":
		return s.Train
	case "test":
		return s.Test
	case "valid":
		return s.Valid
	}
	return nil
}

// Assignment maps each house id to the name of its split
func (s Split) Assignment() map[int]string {
	m := make(map[int]string)
	for _, name := range SplitNames {
		for _, id := range s.Get(name) {
			m[id] = name
		}
	}
	return m
}

// Save the split to a JSON file
func SaveSplit(file string, s Split) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "save split")
	}
	return errors.Wrap(os.WriteFile(file, data, 0644), "save split")
}

// Load a split saved with SaveSplit
func LoadSplit(file string) (s Split, err error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return s, errors.Wrap(err, "load split")
	}
	err = json.Unmarshal(data, &s)
	return s, errors.Wrapf(err, "decode split %s", file)
}
