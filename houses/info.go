// Package houses prepares the house photo dataset: it parses the metadata, splits the houses into
// train, test and validation sets, copies and tiles the images and serves them as network input.
package houses

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Name of the metadata file in the dataset directory
const InfoFile = "HousesInfo.txt"

// Record has the attributes for one house from the metadata file. The house id is the 1 based
// line number of the record ignoring blank lines.
type Record struct {
	Bedrooms  float64
	Bathrooms float64
	Area      float64
	Zipcode   float64
	Price     float64
}

const infoColumns = 5

// ReadInfo parses the whitespace delimited metadata file with columns bedrooms, bathrooms, area,
// zipcode and price.
func ReadInfo(file string) ([]Record, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, "read info")
	}
	defer f.Close()
	var records []Record
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != infoColumns {
			return nil, errors.Errorf("%s line %d: expected %d columns, got %d", file, line, infoColumns, len(fields))
		}
		var vals [infoColumns]float64
		for i, s := range fields {
			if vals[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, errors.Wrapf(err, "%s line %d", file, line)
			}
		}
		records = append(records, Record{
			Bedrooms:  vals[0],
			Bathrooms: vals[1],
			Area:      vals[2],
			Zipcode:   vals[3],
			Price:     vals[4],
		})
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read info")
	}
	return records, nil
}

// IDs returns the house ids 1..n for the records.
func IDs(records []Record) []int {
	ids := make([]int, len(records))
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}
