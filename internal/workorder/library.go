package workorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("workorder not found")

// Library serves recipe files from a set of search paths.
type Library struct {
	cache       sync.Map // workorder id -> *WorkOrder
	searchPaths []string
	logger      *zap.Logger
}

func NewLibrary(searchPaths []string, logger *zap.Logger) *Library {
	return &Library{
		searchPaths: searchPaths,
		logger:      logger,
	}
}

// LoadFile reads and validates a single .json, .yaml or .yml recipe.
func LoadFile(path string) (*WorkOrder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workorder: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: invalid YAML in %s: %v", ErrInvalid, path, err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", path, err)
		}
	case ".json":
	default:
		return nil, fmt.Errorf("unsupported workorder file: %s", path)
	}

	wo, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", path, err)
	}
	return wo, nil
}

// List returns all valid recipes sorted by id. Invalid files are logged and skipped.
func (l *Library) List() ([]Summary, error) {
	var out []Summary
	seen := make(map[string]struct{})

	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", searchPath, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !isRecipeFile(entry.Name()) {
				continue
			}
			path := filepath.Join(searchPath, entry.Name())
			wo, err := LoadFile(path)
			if err != nil {
				l.logger.Warn("Skipping workorder file", zap.String("path", path), zap.Error(err))
				continue
			}
			if _, dup := seen[wo.ID]; dup {
				continue
			}
			seen[wo.ID] = struct{}{}
			l.cache.Store(wo.ID, wo)
			out = append(out, wo.Summary(path))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *Library) Get(id string) (*WorkOrder, error) {
	if cached, ok := l.cache.Load(id); ok {
		return cached.(*WorkOrder), nil
	}

	if _, err := l.List(); err != nil {
		return nil, err
	}
	if cached, ok := l.cache.Load(id); ok {
		return cached.(*WorkOrder), nil
	}
	return nil, fmt.Errorf("%w: %s (searched in: %v)", ErrNotFound, id, l.searchPaths)
}

func (l *Library) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}

func isRecipeFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
