package bundle

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
)

const (
	indexSection = "DeviceTypes"
	indexCount   = "NumTypes"
	indexEntry   = "DeviceType"
)

// writeIndex writes the device index listing the definition files of the
// package, relative to the package root.
func writeIndex(file string, files []string) error {
	cfg := ini.Empty()
	sec, err := cfg.NewSection(indexSection)
	if err != nil {
		return err
	}
	if _, err := sec.NewKey(indexCount, strconv.Itoa(len(files))); err != nil {
		return err
	}
	for i, f := range files {
		if _, err := sec.NewKey(indexEntry+strconv.Itoa(i+1), f); err != nil {
			return err
		}
	}
	return cfg.SaveTo(file)
}

// readIndex returns the definition file names listed in a device index.
func readIndex(file string) ([]string, error) {
	cfg, err := ini.Load(file)
	if err != nil {
		return nil, err
	}
	sec, err := cfg.GetSection(indexSection)
	if err != nil {
		return nil, err
	}
	n, err := sec.Key(indexCount).Int()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", indexCount, err)
	}
	files := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		key := indexEntry + strconv.Itoa(i)
		name := strings.TrimSpace(sec.Key(key).String())
		if name == "" {
			return nil, fmt.Errorf("%s missing", key)
		}
		if path.IsAbs(name) || strings.HasPrefix(path.Clean(name), "..") {
			return nil, fmt.Errorf("%s: %q is outside the package", key, name)
		}
		files = append(files, name)
	}
	return files, nil
}
