// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package catalog holds the items the shop sells and the texts it sends.
//
// A catalog is loaded once, from a Starlark config.star or a YAML file, and is
// never mutated afterwards, so it is safe for concurrent use.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"
)

// Item is one thing the shop sells.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Price       int64  `json:"price"` // in Stars
	Description string `json:"description"`
	// Payload is delivered to the buyer after payment. It is never shown
	// before that.
	Payload string `json:"-"`
}

// Catalog maps item ids to items and message keys to message templates.
type Catalog struct {
	items        map[string]Item
	order        []string
	messages     map[string]*template.Template
	welcomeImage string
}

// config is the format-independent shape of a catalog config.
type config struct {
	Items        []Item
	Messages     map[string]string
	WelcomeImage string
	StarRate     string
	RateCurrency string
}

// Callback data that can't be used as an item id.
const reservedID = "send_stars"

//go:embed config.star
var defaultConfig []byte

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Load("config.star", defaultConfig)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in config.star is invalid: %v", err))
	}
	return c
}

// LoadFile loads the catalog from a file. Files ending in .yaml or .yml are
// parsed as YAML; others as Starlark, which may load() other files from the
// same directory.
func LoadFile(path string) (*Catalog, error) {
	return LoadFS(os.DirFS(filepath.Dir(path)), filepath.Base(path))
}

// LoadFS loads the catalog from the named file in fsys.
func LoadFS(fsys fs.FS, name string) (*Catalog, error) {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	return load(fsys, name, b)
}

// Load parses src as a catalog config, choosing the format by the extension
// of name. Starlark configs parsed by Load can't use load().
func Load(name string, src []byte) (*Catalog, error) {
	return load(nil, name, src)
}

func load(fsys fs.FS, name string, src []byte) (*Catalog, error) {
	var (
		cfg *config
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		cfg, err = parseYAML(src)
	default:
		cfg, err = parseStarlark(fsys, name, src)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	c, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

func build(cfg *config) (*Catalog, error) {
	if len(cfg.Items) == 0 {
		return nil, errors.New("no items defined")
	}

	var rate decimal.Decimal
	if cfg.StarRate != "" {
		var err error
		rate, err = decimal.NewFromString(cfg.StarRate)
		if err != nil {
			return nil, fmt.Errorf("invalid star_rate %q: %w", cfg.StarRate, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("star_rate %q must be positive", cfg.StarRate)
		}
	}

	c := &Catalog{
		items:        make(map[string]Item, len(cfg.Items)),
		messages:     make(map[string]*template.Template),
		welcomeImage: cfg.WelcomeImage,
	}
	for _, it := range cfg.Items {
		if err := validateItem(it); err != nil {
			return nil, err
		}
		if _, dup := c.items[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", it.ID)
		}
		if it.Description == "" && cfg.StarRate != "" {
			it.Description = describe(rate, it.Price, cfg.RateCurrency)
		}
		c.items[it.ID] = it
		c.order = append(c.order, it.ID)
	}

	texts := maps.Clone(defaultMessages)
	for k, v := range cfg.Messages {
		if _, ok := defaultMessages[k]; !ok {
			return nil, fmt.Errorf("unknown message %q", k)
		}
		texts[k] = v
	}
	for k, v := range texts {
		tmpl, err := template.New(k).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, fmt.Errorf("message %q: %w", k, err)
		}
		c.messages[k] = tmpl
	}

	return c, nil
}

func validateItem(it Item) error {
	switch {
	case it.ID == "":
		return errors.New("item with empty id")
	case it.ID == reservedID:
		return fmt.Errorf("item id %q is reserved", it.ID)
	// Item ids travel as callback data, which is limited to 64 bytes.
	case len(it.ID) > 64:
		return fmt.Errorf("item id %q is longer than 64 bytes", it.ID)
	case it.Name == "":
		return fmt.Errorf("item %q has no name", it.ID)
	case it.Price <= 0:
		return fmt.Errorf("item %q: price must be a positive number of Stars, got %d", it.ID, it.Price)
	}
	return nil
}

// describe renders the fiat value of price Stars, like "0.012×100=1.2 USDT".
func describe(rate decimal.Decimal, price int64, currency string) string {
	total := rate.Mul(decimal.NewFromInt(price))
	return strings.TrimSpace(fmt.Sprintf("%s×%d=%s %s", rate, price, total, currency))
}

// Lookup returns the item with the given id.
func (c *Catalog) Lookup(id string) (Item, bool) {
	it, ok := c.items[id]
	return it, ok
}

// Items returns all items in the order they were defined.
func (c *Catalog) Items() []Item {
	items := make([]Item, 0, len(c.order))
	for _, id := range c.order {
		items = append(items, c.items[id])
	}
	return items
}

// WelcomeImage returns the URL or file id of the photo sent with the welcome
// message. It's empty if not configured.
func (c *Catalog) WelcomeImage() string { return c.welcomeImage }

// Render executes the message template key with data. The result is
// Markdown.
func (c *Catalog) Render(key string, data any) (string, error) {
	tmpl, ok := c.messages[key]
	if !ok {
		return "", fmt.Errorf("unknown message %q", key)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// MessageKeys returns the keys of all known messages, sorted.
func MessageKeys() []string {
	return slices.Sorted(maps.Keys(defaultMessages))
}
