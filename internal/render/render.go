// Package render turns directory listings into the HTML browser page.
package render

import (
	"fmt"
	"html/template"
	"io"
	"net/url"
	"strings"
	"time"

	"lanserve/internal/listing"
)

// Page is everything the template needs; it carries no request state.
type Page struct {
	// Path is the decoded request path of the directory, always ending in "/".
	Path     string
	Entries  []listing.Entry
	Total    int64
	Writable bool
	// Message is an optional status line, e.g. "Upload successful".
	Message string
	// Thumbnails reports which entry names get an inline preview.
	Thumbnails func(name string) bool
}

type Renderer struct {
	tmpl *template.Template
}

func New() *Renderer {
	return &Renderer{tmpl: template.Must(template.New("page").Funcs(funcs).Parse(pageHTML))}
}

func (r *Renderer) Render(w io.Writer, p Page) error {
	if p.Path == "" {
		p.Path = "/"
	}
	return r.tmpl.Execute(w, view{Page: p, Crumbs: breadcrumbs(p.Path)})
}

type crumb struct {
	Name string
	Href string
}

type view struct {
	Page
	Crumbs []crumb
}

func breadcrumbs(p string) []crumb {
	out := []crumb{{Name: "Home", Href: "/"}}
	cur := ""
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		cur += "/" + url.PathEscape(seg)
		out = append(out, crumb{Name: seg, Href: cur + "/"})
	}
	return out
}

var funcs = template.FuncMap{
	"href": func(e listing.Entry) string {
		// "./" keeps names like "a:b" from being read as a URL scheme.
		h := "./" + url.PathEscape(e.Name)
		if e.IsDir {
			h += "/"
		}
		return h
	},
	"size": func(e listing.Entry) string {
		if e.IsDir {
			return "DIR"
		}
		return HumanSize(e.Size)
	},
	"percent": func(e listing.Entry) string {
		if e.IsDir || e.Percent == 0 {
			return ""
		}
		return fmt.Sprintf("%.1f%%", e.Percent)
	},
	"mtime": func(t time.Time) string { return t.Format("2006-01-02 15:04:05") },
	"human": HumanSize,
	"thumb": func(p Page, e listing.Entry) bool {
		return !e.IsDir && p.Thumbnails != nil && p.Thumbnails(e.Name)
	},
}

// HumanSize formats a byte count with binary units.
func HumanSize(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	v := float64(n)
	i := -1
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

const pageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Index of {{.Path}}</title>
<style>
body{font-family:system-ui,sans-serif;margin:2em;color:#222}
table{border-collapse:collapse;width:100%}
th,td{text-align:left;padding:.3em .6em;border-bottom:1px solid #eee}
td.num{text-align:right;font-variant-numeric:tabular-nums}
.msg{color:green;text-align:center;margin:1em 0}
img.thumb{max-height:2.5em;vertical-align:middle}
</style>
</head>
<body>
<nav>{{range $i, $c := .Crumbs}}{{if $i}} / {{end}}<a href="{{$c.Href}}">{{$c.Name}}</a>{{end}}</nav>
{{with .Message}}<div class="msg">{{.}}</div>{{end}}
{{if .Writable}}
<form method="post" enctype="multipart/form-data">
<input type="file" name="file" multiple>
<button type="submit">Upload</button>
</form>
<form method="post" enctype="multipart/form-data" id="delete-form"></form>
{{end}}
<table>
<thead><tr>{{if .Writable}}<th></th>{{end}}<th>Name</th><th>Size</th><th>Share</th><th>Modified</th></tr></thead>
<tbody>
{{range .Entries}}<tr>
{{if $.Writable}}<td>{{if not .IsDir}}<input type="checkbox" name="delete_files" value="{{.Name}}" form="delete-form">{{end}}</td>{{end}}
<td>{{if thumb $.Page .}}<img class="thumb" loading="lazy" src="{{href .}}?thumb=1" alt=""> {{end}}<a href="{{href .}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td>
<td class="num">{{size .}}</td>
<td class="num">{{percent .}}</td>
<td>{{mtime .ModTime}}</td>
</tr>
{{end}}</tbody>
</table>
<p>Total: {{human .Total}}</p>
{{if .Writable}}<button type="submit" form="delete-form">Delete selected</button>{{end}}
</body>
</html>
`
