package sicar

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// parseReleaseDates は公開日ページから州ごとの公開日を取り出します。
// div.listagem-estados ごとに、ボタンの data-estado と div.data-disponibilizacao の文字列を対応付けます。
func parseReleaseDates(r io.Reader) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	dates := make(map[string]string)
	for _, block := range findAll(doc, "div", "listagem-estados") {
		state := ""
		if button := findFirst(block, "button", "btn-abrir-modal-download-base-poligono"); button != nil {
			state = strings.ToUpper(attr(button, "data-estado"))
		}
		date := ""
		if div := findFirst(block, "div", "data-disponibilizacao"); div != nil {
			date = strings.TrimSpace(text(div))
		}
		if date == "" {
			continue
		}
		if _, err := NormalizeState(state); err != nil {
			continue
		}
		dates[state] = date
	}
	return dates, nil
}

func findAll(n *html.Node, tag, class string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if matches(node, tag, class) {
			out = append(out, node)
			return
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, tag, class string) *html.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if matches(child, tag, class) {
			return child
		}
		if found := findFirst(child, tag, class); found != nil {
			return found
		}
	}
	return nil
}

func matches(n *html.Node, tag, class string) bool {
	if n.Type != html.ElementNode || n.Data != tag {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}
