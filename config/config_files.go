package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ReadConfigFiles returns the contents of the config at path. A file is read
// as is, a directory is searched recursively for .yaml and .yml files which
// are returned in lexical order of their absolute paths.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := resolve(path, true)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(files)

	raws := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raws = append(raws, string(b))
	}

	return raws, nil
}

// direct signifies if this is the config path directly specified by the user,
// versus a file/dir found by recursing into that path
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		if !direct && !isYAML(path) {
			return nil, nil
		}
		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, e := range entries {
		f, err := resolve(filepath.Join(path, e.Name()), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}

	return files, nil
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}
