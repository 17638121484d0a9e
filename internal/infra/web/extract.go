package web

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// page は1ページ分の抽出結果
type page struct {
	title string
	text  string
	links []*url.URL
}

// skipElements は本文として扱わない要素
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
}

// parsePage はHTMLからタイトル、本文テキスト、リンクを抽出します
// 相対リンクは base で解決され、解決できないリンクは捨てられます
func parsePage(r io.Reader, base *url.URL) (*page, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	p := &page{}
	var builder strings.Builder
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.ElementNode:
			if skipElements[node.Data] {
				return
			}
			if node.Data == "title" && p.title == "" {
				if node.FirstChild != nil && node.FirstChild.Type == html.TextNode {
					p.title = strings.TrimSpace(node.FirstChild.Data)
				}
				return
			}
			if node.Data == "a" {
				if link := resolveHref(node, base); link != nil {
					p.links = append(p.links, link)
				}
			}
		case html.TextNode:
			text := strings.TrimSpace(node.Data)
			if text != "" {
				builder.WriteString(text)
				builder.WriteString("\n")
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	p.text = strings.TrimSpace(builder.String())
	return p, nil
}

func resolveHref(node *html.Node, base *url.URL) *url.URL {
	for _, attr := range node.Attr {
		if attr.Key != "href" {
			continue
		}
		ref, err := url.Parse(attr.Val)
		if err != nil {
			return nil
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return nil
		}
		// ページ内アンカーとクエリ違いの重複を抑える
		resolved.Fragment = ""
		return resolved
	}
	return nil
}
