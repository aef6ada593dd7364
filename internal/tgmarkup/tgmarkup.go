// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package tgmarkup converts Markdown text to Telegram message text with
// formatting entities, so bot messages never need MarkdownV2 escaping.
package tgmarkup

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"rsc.io/markdown"
)

// Message is a Telegram message text with formatting entities.
// See https://core.telegram.org/bots/api#message.
type Message struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities,omitempty"`
}

// Type represents the type of a Telegram message entity.
// See https://core.telegram.org/bots/api#messageentity for a complete list of
// supported types.
type Type string

// Entity types produced by FromMarkdown.
const (
	Bold          Type = "bold"
	Italic        Type = "italic"
	Strikethrough Type = "strikethrough"
	Blockquote    Type = "blockquote"
	Code          Type = "code" // monowidth string
	Pre           Type = "pre"  // monowidth block
	TextLink      Type = "text_link"
	URL           Type = "url"
)

// Entity represents a Telegram message entity.
type Entity struct {
	Type Type `json:"type"`
	// Offset in UTF-16 code units to the start of the entity.
	Offset int `json:"offset"`
	// Length of the entity in UTF-16 code units.
	Length int `json:"length"`
	// For "text_link" only, URL that will be opened after user taps on the text.
	URL string `json:"url,omitempty"`
	// For "pre" only, the programming language of the entity text.
	Language string `json:"language,omitempty"`
}

// FromMarkdown converts a Markdown text to a [Message]. Top-level blocks are
// separated by an empty line; list items are prefixed with a bullet or their
// number.
func FromMarkdown(text string) Message {
	p := markdown.Parser{Strikethrough: true}
	doc := p.Parse(text)

	var c converter
	c.blocks(doc.Blocks, "\n\n")
	return Message{
		Text:     c.sb.String(),
		Entities: c.entities,
	}
}

type converter struct {
	sb       strings.Builder
	n        int // length of sb in UTF-16 code units
	entities []Entity
}

func (c *converter) write(s string) {
	c.sb.WriteString(s)
	c.n += utf16len(s)
}

// wrap records an entity of type typ around whatever f writes.
func (c *converter) wrap(typ Type, f func()) *Entity {
	offset := c.n
	f()
	if c.n == offset {
		return nil
	}
	c.entities = append(c.entities, Entity{Type: typ, Offset: offset, Length: c.n - offset})
	return &c.entities[len(c.entities)-1]
}

func (c *converter) blocks(bs []markdown.Block, sep string) {
	first := true
	for _, b := range bs {
		if !first {
			c.write(sep)
		}
		first = false
		c.block(b)
	}
}

func (c *converter) block(b markdown.Block) {
	switch block := b.(type) {
	case *markdown.Paragraph:
		c.inlines(block.Text.Inline)
	case *markdown.Text:
		// Items of tight lists hold bare text instead of paragraphs.
		c.inlines(block.Inline)
	case *markdown.Heading:
		c.wrap(Bold, func() { c.inlines(block.Text.Inline) })
	case *markdown.Quote:
		c.wrap(Blockquote, func() { c.blocks(block.Blocks, "\n") })
	case *markdown.CodeBlock:
		if e := c.wrap(Pre, func() { c.write(strings.Join(block.Text, "\n")) }); e != nil {
			e.Language = block.Info
		}
	case *markdown.List:
		ordered := block.Bullet == '.' || block.Bullet == ')'
		for i, ib := range block.Items {
			item, ok := ib.(*markdown.Item)
			if !ok {
				continue
			}
			if i > 0 {
				c.write("\n")
			}
			if ordered {
				c.write(strconv.Itoa(block.Start+i) + ". ")
			} else {
				c.write("• ")
			}
			c.blocks(item.Blocks, "\n")
		}
	case *markdown.ThematicBreak:
		c.write("⸻")
	}
}

func (c *converter) inlines(inlines []markdown.Inline) {
	for _, i := range inlines {
		c.inline(i)
	}
}

func (c *converter) inline(i markdown.Inline) {
	switch inline := i.(type) {
	case *markdown.Plain:
		c.write(inline.Text)
	case *markdown.Strong:
		c.wrap(Bold, func() { c.inlines(inline.Inner) })
	case *markdown.Emph:
		c.wrap(Italic, func() { c.inlines(inline.Inner) })
	case *markdown.Del:
		c.wrap(Strikethrough, func() { c.inlines(inline.Inner) })
	case *markdown.Link:
		if e := c.wrap(TextLink, func() { c.inlines(inline.Inner) }); e != nil {
			e.URL = inline.URL
		}
	case *markdown.AutoLink:
		c.wrap(URL, func() { c.write(inline.Text) })
	case *markdown.Code:
		c.wrap(Code, func() { c.write(inline.Text) })
	case *markdown.SoftBreak, *markdown.HardBreak:
		c.write("\n")
	}
}

func utf16len(s string) int {
	return len(utf16.Encode([]rune(s)))
}
