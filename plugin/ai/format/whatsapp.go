// Package format converts generator markdown into WhatsApp-style text.
package format

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MaxMessageLength is the WhatsApp limit for one text message.
const MaxMessageLength = 4096

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// WhatsApp renders markdown as WhatsApp text: *bold*, _italic_, ~strike~,
// ```mono```, "- " bullets, numbered lists and links as "text (url)".
// Output longer than MaxMessageLength is cut at a rune boundary.
func WhatsApp(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	w := &writer{src: src}
	_ = ast.Walk(doc, w.visit)

	out := strings.TrimSpace(w.buf.String())
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return truncate(out, MaxMessageLength)
}

type writer struct {
	src []byte
	buf strings.Builder
}

func (w *writer) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:
	case *ast.Heading:
		if entering {
			w.blockSep()
			w.buf.WriteString("*")
		} else {
			w.buf.WriteString("*")
		}
	case *ast.Paragraph:
		if entering && !firstInListItem(node) {
			w.blockSep()
		}
	case *ast.ThematicBreak:
		if entering {
			w.blockSep()
		}
	case *ast.List:
		if entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
			w.blockSep()
		}
	case *ast.ListItem:
		if entering {
			w.lineSep()
			w.buf.WriteString(strings.Repeat("  ", listDepth(node)-1))
			w.buf.WriteString(listMarker(node))
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			w.blockSep()
			w.buf.WriteString("```")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				w.buf.Write(seg.Value(w.src))
			}
			w.buf.WriteString("```")
		}
		return ast.WalkSkipChildren, nil
	case *ast.Emphasis:
		if node.Level >= 2 {
			w.buf.WriteString("*")
		} else {
			w.buf.WriteString("_")
		}
	case *extast.Strikethrough:
		w.buf.WriteString("~")
	case *ast.CodeSpan:
		w.buf.WriteString("```")
	case *ast.Link:
		if entering {
			label := plainText(node, w.src)
			dest := string(node.Destination)
			w.buf.WriteString(label)
			if label != dest {
				w.buf.WriteString(" (" + dest + ")")
			}
		}
		return ast.WalkSkipChildren, nil
	case *ast.AutoLink:
		if entering {
			w.buf.Write(node.URL(w.src))
		}
		return ast.WalkSkipChildren, nil
	case *ast.Image:
		if entering {
			w.buf.WriteString(string(node.Destination))
		}
		return ast.WalkSkipChildren, nil
	case *ast.Text:
		if entering {
			w.buf.Write(node.Segment.Value(w.src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				w.buf.WriteString("\n")
			}
		}
	case *ast.String:
		if entering {
			w.buf.Write(node.Value)
		}
	case *ast.RawHTML, *ast.HTMLBlock:
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

// blockSep starts a new paragraph.
func (w *writer) blockSep() {
	s := w.buf.String()
	switch {
	case s == "", strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		w.buf.WriteString("\n")
	default:
		w.buf.WriteString("\n\n")
	}
}

// lineSep starts a new line.
func (w *writer) lineSep() {
	s := w.buf.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		w.buf.WriteString("\n")
	}
}

func firstInListItem(n ast.Node) bool {
	p := n.Parent()
	return p != nil && p.Kind() == ast.KindListItem && p.FirstChild() == n
}

func listDepth(item ast.Node) int {
	depth := 0
	for p := item.Parent(); p != nil; p = p.Parent() {
		if p.Kind() == ast.KindList {
			depth++
		}
	}
	if depth == 0 {
		return 1
	}
	return depth
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	idx := 0
	for s := item.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		idx++
	}
	return strconv.Itoa(list.Start+idx) + ". "
}

func plainText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
