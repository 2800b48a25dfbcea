package houses

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jnb666/houseprice/img"
	"github.com/pkg/errors"
)

// Views in tiled image order: top left, top right, bottom left, bottom right.
var Views = []string{"bedroom", "bathroom", "kitchen", "frontal"}

// Prepare creates the train, test and valid directories under dstDir and copies the images for
// each house from srcDir into the directory for its split. The metadata file is also copied if
// present. Returns the number of images copied.
func Prepare(srcDir, dstDir string, split Split) (int, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return 0, errors.Wrap(err, "prepare")
	}
	if !info.IsDir() {
		return 0, errors.Errorf("prepare: %s is not a directory", srcDir)
	}
	copied := 0
	for _, name := range SplitNames {
		dir := filepath.Join(dstDir, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return copied, errors.Wrap(err, "prepare")
		}
		for _, id := range split.Get(name) {
			files, err := ImageFiles(srcDir, id)
			if err != nil {
				return copied, err
			}
			if len(files) == 0 {
				log.Printf("warning: no images for house %d in %s", id, srcDir)
			}
			for _, file := range files {
				if err := copyFile(file, filepath.Join(dir, filepath.Base(file))); err != nil {
					return copied, errors.Wrapf(err, "prepare %s", name)
				}
				copied++
			}
		}
	}
	err = copyFile(filepath.Join(srcDir, InfoFile), filepath.Join(dstDir, InfoFile))
	if err != nil && !os.IsNotExist(err) {
		return copied, errors.Wrap(err, "prepare")
	}
	return copied, nil
}

// ImageFiles returns the sorted list of {id}_*.jpg files in dir.
func ImageFiles(dir string, id int) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%d_*.jpg", id)))
	if err != nil {
		return nil, errors.Wrapf(err, "house %d", id)
	}
	sort.Strings(files)
	return files, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// view name from a {id}_{view}.jpg filename
func viewName(file string) string {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	if i := strings.IndexByte(base, '_'); i >= 0 {
		return base[i+1:]
	}
	return base
}

// LoadTile reads the four images for the house from dir, resizes each to size x size and
// composes them into a 2x2 grid in Views order.
func LoadTile(dir string, id, size int) (*image.RGBA, error) {
	files, err := ImageFiles(dir, id)
	if err != nil {
		return nil, err
	}
	if len(files) < img.Tiles {
		return nil, errors.Errorf("house %d: expected %d images in %s, found %d", id, img.Tiles, dir, len(files))
	}
	images := make([]image.Image, img.Tiles)
	for _, file := range files {
		pos := -1
		for i, view := range Views {
			if viewName(file) == view {
				pos = i
			}
		}
		if pos < 0 {
			return nil, errors.Errorf("house %d: unknown view %q", id, viewName(file))
		}
		if images[pos], err = decodeFile(file); err != nil {
			return nil, errors.Wrapf(err, "house %d", id)
		}
	}
	for i, m := range images {
		if m == nil {
			return nil, errors.Errorf("house %d: missing %s view", id, Views[i])
		}
	}
	return img.Tile(images, size)
}

func decodeFile(file string) (image.Image, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, filepath.Base(file))
	}
	return m, nil
}
