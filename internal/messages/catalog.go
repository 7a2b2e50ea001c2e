// Package messages renders notification keys into player-facing text.
// Templates use positional placeholders: {0}, {1}, ...
package messages

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

var defaultTemplates = map[string]string{
	"teleport.warmup":              "You will be teleported in {0} seconds. Do not move.",
	"teleport.success":             "You were teleported to {0}.",
	"teleport.success.source":      "Teleported {0} to {1}.",
	"teleport.from.success":        "{0} was teleported to you.",
	"teleport.fail":                "The teleport failed: the target is no longer available.",
	"teleport.fail.offline":        "{0} is not online.",
	"teleport.fail.targettoggle":   "{0} is not accepting teleport requests.",
	"teleport.nosafe":              "No safe location could be found at the destination.",
	"teleport.cancelled":           "The teleport was cancelled.",
	"teleport.prep.cancel":         "You have been refunded {0}.",
	"teleport.cost.insufficient":   "You need {0} to send this request.",
	"command.teleport.self":        "You cannot teleport to yourself.",
	"command.tpa.question":         "{0} has asked to teleport to you. Accept within {1} seconds.",
	"command.tpahere.question":     "{0} has asked you to teleport to them. Accept within {1} seconds.",
	"command.tpask.sent":           "Your request was sent to {0}.",
	"command.tpaccept.success":     "Teleport request accepted.",
	"command.tpaccept.nothing":     "You have no pending teleport requests.",
	"command.tpdeny.deny":          "Teleport request denied.",
	"command.tpdeny.denyrequester": "{0} denied your teleport request.",
	"command.tpdeny.fail":          "You have no pending teleport requests to deny.",
	"command.tptoggle.on":          "You now accept teleport requests.",
	"command.tptoggle.off":         "You no longer accept teleport requests.",
}

// Catalog maps keys to templates.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]string
}

// Default returns a catalog with the built-in English templates.
func Default() *Catalog {
	c := &Catalog{templates: make(map[string]string, len(defaultTemplates))}
	for k, v := range defaultTemplates {
		c.templates[k] = v
	}
	return c
}

// Load reads a YAML file of key: template pairs over the defaults.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	if err := c.Merge(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Merge overlays YAML templates onto the catalog.
func (c *Catalog) Merge(data []byte) error {
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse messages: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range overrides {
		c.templates[k] = v
	}
	return nil
}

// Render fills the template for key. An unknown key renders as the key
// itself so a missing translation is visible rather than silent.
func (c *Catalog) Render(key string, params ...any) string {
	c.mu.RLock()
	tmpl, ok := c.templates[key]
	c.mu.RUnlock()
	if !ok {
		return key
	}
	if len(params) == 0 {
		return tmpl
	}

	pairs := make([]string, 0, len(params)*2)
	for i, p := range params {
		pairs = append(pairs, "{"+strconv.Itoa(i)+"}", fmt.Sprint(p))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Has reports whether key has a template.
func (c *Catalog) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.templates[key]
	return ok
}
