// ABOUTME: Renders the embedded markdown help topics to HTML with goldmark
// ABOUTME: Topics are pre-rendered once; /help?topic=<slug> selects one

package assets

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
)

//go:embed help/*.md
var helpFS embed.FS

//go:embed templates/help.html
var helpTemplate string

// topicOrder fixes the navigation order; unknown topics sort last by slug.
var topicOrder = map[string]int{
	"pairing":      0,
	"certificates": 1,
	"devices":      2,
}

const defaultTopic = "pairing"

type helpTopic struct {
	Slug    string
	Title   string
	Content template.HTML
}

type helpNavItem struct {
	Slug   string
	Title  string
	Active bool
}

// HelpHandler renders the embedded help topics.
func HelpHandler(logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return newHelpHandler(helpFS, "help", logger)
}

func newHelpHandler(fsys fs.FS, dir string, logger *slog.Logger) (http.Handler, error) {
	tmpl, err := template.New("help").Parse(helpTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing help template: %w", err)
	}

	topics, err := renderTopics(fsys, dir)
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no help topics in %s", dir)
	}

	bySlug := make(map[string]helpTopic, len(topics))
	for _, t := range topics {
		bySlug[t.Slug] = t
	}
	logger = logger.With("component", "help")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := r.URL.Query().Get("topic")
		if slug == "" {
			slug = defaultTopic
			if _, ok := bySlug[slug]; !ok {
				slug = topics[0].Slug
			}
		}
		selected, ok := bySlug[slug]
		if !ok {
			http.NotFound(w, r)
			return
		}

		nav := make([]helpNavItem, 0, len(topics))
		for _, t := range topics {
			nav = append(nav, helpNavItem{Slug: t.Slug, Title: t.Title, Active: t.Slug == slug})
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, struct {
			Topics  []helpNavItem
			Content template.HTML
		}{Topics: nav, Content: selected.Content}); err != nil {
			logger.Error("failed to render help", "topic", slug, "error", err)
			http.Error(w, "failed to render help", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}), nil
}

func renderTopics(fsys fs.FS, dir string) ([]helpTopic, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading help topics: %w", err)
	}

	var topics []helpTopic
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".md" {
			continue
		}
		md, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading help topic %s: %w", e.Name(), err)
		}
		var html bytes.Buffer
		if err := goldmark.Convert(md, &html); err != nil {
			return nil, fmt.Errorf("converting help topic %s: %w", e.Name(), err)
		}
		slug := strings.TrimSuffix(e.Name(), ".md")
		topics = append(topics, helpTopic{
			Slug:    slug,
			Title:   formatHelpTitle(slug),
			Content: template.HTML(html.String()),
		})
	}

	sort.Slice(topics, func(i, j int) bool {
		orderI, okI := topicOrder[topics[i].Slug]
		orderJ, okJ := topicOrder[topics[j].Slug]
		if !okI {
			orderI = 100
		}
		if !okJ {
			orderJ = 100
		}
		if orderI != orderJ {
			return orderI < orderJ
		}
		return topics[i].Slug < topics[j].Slug
	})
	return topics, nil
}

// formatHelpTitle converts a slug to a display title
func formatHelpTitle(slug string) string {
	words := strings.Split(slug, "-")
	for i, word := range words {
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}
