package simdev

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/devdesc"
)

// Catalog holds simulated devices by name. It is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	devices map[string]*Device
	sources map[string]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		devices: make(map[string]*Device),
		sources: make(map[string]string),
	}
}

// Add builds a device from desc and registers it under its name. source is
// informational, typically the file path.
func (c *Catalog) Add(desc *devdesc.Device, source string) (*Device, error) {
	dev, err := New(desc)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.sources[desc.Name]; ok {
		return nil, fmt.Errorf("simdev: device %q from %s already loaded from %s", desc.Name, source, prev)
	}
	c.devices[desc.Name] = dev
	c.sources[desc.Name] = source
	return dev, nil
}

// Lookup returns the named device.
func (c *Catalog) Lookup(name string) (*Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if dev, ok := c.devices[name]; ok {
		return dev, nil
	}
	return nil, fmt.Errorf("simdev: no description for device %q", name)
}

// Names returns the loaded device names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Source returns where the named device was loaded from.
func (c *Catalog) Source(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sources[name]
}

// LoadFiles parses the provided file paths and adds each device to the
// catalog.
func (c *Catalog) LoadFiles(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	parser, err := devdesc.NewParser()
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := c.load(parser, path); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir recursively loads all .dev files from the provided directory.
func (c *Catalog) LoadDir(root string) error {
	parser, err := devdesc.NewParser()
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isDescFile(path) {
			return nil
		}
		return c.load(parser, path)
	})
}

func (c *Catalog) load(parser *devdesc.Parser, path string) error {
	desc, err := parser.ParseFile(path)
	if err != nil {
		return fmt.Errorf("simdev: parse %s: %w", path, err)
	}
	if _, err := c.Add(desc, path); err != nil {
		return fmt.Errorf("simdev: add %s: %w", path, err)
	}
	return nil
}

func isDescFile(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".dev"
}
