package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
)

// IndexDocument is the name of the generated HTML page.
const IndexDocument = "index.html"

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html{{range .Attributes}} {{.Name}}="{{.Value}}"{{end}}>
  <head>
    <title>{{.Title}}</title>
    <meta charset="utf-8">
    {{- if .Stylesheet}}
    <link rel="stylesheet" href="{{.Stylesheet}}">
    {{- end}}
  </head>
  <body>
    <div id="root"></div>
    <script type="text/javascript">window.__CLIENT_CONFIG__={{.ClientConfig}};</script>
    {{- range .Scripts}}
    <script type="text/javascript" src="{{.}}"></script>
    {{- end}}
    {{- if .LiveReload}}
    <script type="text/javascript">
      (function () {
        var source = new EventSource({{.LiveReload}});
        source.addEventListener("built", function () { window.location.reload(); });
        source.addEventListener("errors", function (e) { console.error(JSON.parse(e.data).report); });
      })();
    </script>
    {{- end}}
  </body>
</html>
`))

type pageAttribute struct {
	Name  string
	Value string
}

type pageData struct {
	Title        string
	Attributes   []pageAttribute
	Stylesheet   string
	ClientConfig template.JS
	Scripts      []string
	LiveReload   string
}

// RenderPage renders the index document of a browser bundle from its build
// options and assets.
func RenderPage(opts Options, entry AssetEntry) ([]byte, error) {
	page := opts.Descriptor.HTMLPage
	if page == nil {
		return nil, fmt.Errorf("bundle %s has no html page", opts.Descriptor.Name)
	}

	clientConfig := opts.ClientConfig
	if clientConfig == nil {
		clientConfig = map[string]interface{}{}
	}
	encoded, err := json.Marshal(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("encode client config: %w", err)
	}

	data := pageData{
		Title:        page.Title,
		Stylesheet:   entry.CSS,
		ClientConfig: template.JS(encoded),
		LiveReload:   opts.LiveReloadPath,
	}

	names := make([]string, 0, len(page.HTMLAttributes))
	for name := range page.HTMLAttributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data.Attributes = append(data.Attributes, pageAttribute{Name: name, Value: page.HTMLAttributes[name]})
	}

	if opts.Vendor != nil {
		data.Scripts = append(data.Scripts, opts.PublicPath+opts.Vendor.Name+".js")
	}
	data.Scripts = append(data.Scripts, page.Scripts...)
	if entry.JS != "" {
		data.Scripts = append(data.Scripts, entry.JS)
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", IndexDocument, err)
	}
	return buf.Bytes(), nil
}
