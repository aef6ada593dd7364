// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// itemValue is the Starlark value returned by the item builtin.
type itemValue struct{ Item }

func (v *itemValue) String() string        { return fmt.Sprintf("<item id=%q>", v.ID) }
func (v *itemValue) Type() string          { return "item" }
func (v *itemValue) Freeze()               {} // immutable
func (v *itemValue) Truth() starlark.Bool  { return starlark.Bool(v.ID != "") }
func (v *itemValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", v.Type()) }

func itemBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: unexpected positional arguments", b.Name())
	}
	var (
		v     = new(itemValue)
		price int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"id", &v.ID,
		"name", &v.Name,
		"price", &price,
		"description?", &v.Description,
		"payload?", &v.Payload,
	); err != nil {
		return nil, err
	}
	v.Price = int64(price)
	return v, nil
}

// loader runs load() statements, reading modules from fsys. Each module is
// executed once.
type loader struct {
	fsys    fs.FS
	modules map[string]*module
}

type module struct {
	globals starlark.StringDict
	err     error
	done    bool
}

func (l *loader) load(_ *starlark.Thread, name string) (starlark.StringDict, error) {
	if l.fsys == nil {
		return nil, fmt.Errorf("load(%q): loading modules is not supported here", name)
	}
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("load(%q): invalid module path", name)
	}
	if m, ok := l.modules[name]; ok {
		if !m.done {
			return nil, fmt.Errorf("load(%q): cycle in load graph", name)
		}
		return m.globals, m.err
	}

	m := new(module)
	l.modules[name] = m
	src, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		m.err = err
	} else {
		m.globals, m.err = l.exec(name, src)
	}
	m.done = true
	return m.globals, m.err
}

func (l *loader) exec(filename string, src []byte) (starlark.StringDict, error) {
	return starlark.ExecFileOptions(
		&syntax.FileOptions{
			TopLevelControl: true,
		},
		&starlark.Thread{
			Name:  "catalog",
			Print: func(_ *starlark.Thread, msg string) { slog.Info(msg, "file", filename) },
			Load:  l.load,
		},
		filename,
		src,
		starlark.StringDict{
			"item": starlark.NewBuiltin("item", itemBuiltin),
		},
	)
}

// parseStarlark executes src. Modules named in load() statements are read
// from fsys, which may be nil.
func parseStarlark(fsys fs.FS, filename string, src []byte) (*config, error) {
	l := &loader{fsys: fsys, modules: make(map[string]*module)}
	globals, err := l.exec(filename, src)
	if err != nil {
		return nil, err
	}

	cfg := new(config)

	itemsList, ok := globals["items"].(*starlark.List)
	if !ok {
		return nil, errors.New("items must be defined and be a list")
	}
	for i := range itemsList.Len() {
		elem := itemsList.Index(i)
		it, ok := elem.(*itemValue)
		if !ok {
			return nil, fmt.Errorf("items: want item, got %s", elem.Type())
		}
		cfg.Items = append(cfg.Items, it.Item)
	}

	if v, ok := globals["messages"]; ok {
		d, ok := v.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("messages must be a dict, got %s", v.Type())
		}
		cfg.Messages = make(map[string]string, d.Len())
		for _, kv := range d.Items() {
			k, kok := starlark.AsString(kv[0])
			v, vok := starlark.AsString(kv[1])
			if !kok || !vok {
				return nil, fmt.Errorf("messages: keys and values must be strings, got %s: %s", kv[0].Type(), kv[1].Type())
			}
			cfg.Messages[k] = v
		}
	}

	for name, dst := range map[string]*string{
		"welcome_image": &cfg.WelcomeImage,
		"star_rate":     &cfg.StarRate,
		"rate_currency": &cfg.RateCurrency,
	} {
		v, ok := globals[name]
		if !ok {
			continue
		}
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("%s must be a string, got %s", name, v.Type())
		}
		*dst = s
	}

	return cfg, nil
}
