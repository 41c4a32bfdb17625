package compose

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"os"
	"path"
	"strings"
	texttemplate "text/template"

	"mailinglist/models"
)

//go:embed templates
var embedded embed.FS

// GlobalDenySlug names the template directory used for the null mailing list.
const GlobalDenySlug = "global-deny"

const (
	ActionMessage   = "message"
	ActionSubscribe = "subscribe"
)

var funcs = map[string]interface{}{
	"markdown": RenderMarkdown,
}

// Loader finds templates in an optional override directory first and in the
// embedded defaults second.
type Loader struct {
	sources []fs.FS
}

func NewLoader(overrideDir string) (*Loader, error) {
	defaults, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	l := &Loader{}
	if overrideDir != "" {
		l.sources = append(l.sources, os.DirFS(overrideDir))
	}
	l.sources = append(l.sources, defaults)
	return l, nil
}

// find returns the first source holding one of the candidate names, in order.
func (l *Loader) find(candidates ...string) (fs.FS, string, error) {
	for _, name := range candidates {
		for _, src := range l.sources {
			if _, err := fs.Stat(src, name); err == nil {
				return src, name, nil
			}
		}
	}
	return nil, "", fmt.Errorf("template not found: %s", strings.Join(candidates, ", "))
}

type renderer interface {
	render(data interface{}) (string, error)
}

type textRenderer struct{ t *texttemplate.Template }

func (r textRenderer) render(data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := r.t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type htmlRenderer struct{ t *htmltemplate.Template }

func (r htmlRenderer) render(data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := r.t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (l *Loader) load(slug, name, ext string) (renderer, error) {
	src, file, err := l.find(
		fmt.Sprintf("%s/%s.%s", slug, name, ext),
		fmt.Sprintf("%s.%s", name, ext),
	)
	if err != nil {
		return nil, err
	}
	if ext == "html" {
		t, err := htmltemplate.New(path.Base(file)).Funcs(funcs).ParseFS(src, file)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		return htmlRenderer{t}, nil
	}
	t, err := texttemplate.New(path.Base(file)).Funcs(funcs).ParseFS(src, file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	return textRenderer{t}, nil
}

// Rendered holds trimmed template output. HTMLBody is empty when the list
// does not send HTML.
type Rendered struct {
	Subject  string
	Body     string
	HTMLBody string
}

// TemplateSet is the subject/body/html templates for one action on one
// mailing list. A nil mailing list means the global deny list.
type TemplateSet struct {
	loader      *Loader
	mailingList *models.MailingList
	action      string

	subject, body, html renderer
	loaded              bool
}

func (l *Loader) TemplateSet(mailingList *models.MailingList, action string) *TemplateSet {
	return &TemplateSet{loader: l, mailingList: mailingList, action: action}
}

func (ts *TemplateSet) slug() string {
	if ts.mailingList == nil {
		return GlobalDenySlug
	}
	return ts.mailingList.Slug
}

func (ts *TemplateSet) wantsHTML() bool {
	return ts.mailingList == nil || ts.mailingList.SendHTML
}

func (ts *TemplateSet) ensureLoaded() error {
	if ts.loaded {
		return nil
	}
	var err error
	if ts.subject, err = ts.loader.load(ts.slug(), ts.action+"_subject", "txt"); err != nil {
		return err
	}
	if ts.body, err = ts.loader.load(ts.slug(), ts.action, "txt"); err != nil {
		return err
	}
	if ts.wantsHTML() {
		if ts.html, err = ts.loader.load(ts.slug(), ts.action, "html"); err != nil {
			return err
		}
	}
	ts.loaded = true
	return nil
}

// Render executes every template of the set against data.
func (ts *TemplateSet) Render(data *Context) (Rendered, error) {
	if err := ts.ensureLoaded(); err != nil {
		return Rendered{}, err
	}
	if data == nil {
		return Rendered{}, errors.New("render: nil context")
	}

	var out Rendered
	var err error
	if out.Subject, err = ts.subject.render(data); err != nil {
		return Rendered{}, fmt.Errorf("render subject: %w", err)
	}
	if out.Body, err = ts.body.render(data); err != nil {
		return Rendered{}, fmt.Errorf("render body: %w", err)
	}
	if ts.html != nil {
		if out.HTMLBody, err = ts.html.render(data); err != nil {
			return Rendered{}, fmt.Errorf("render html body: %w", err)
		}
	}

	out.Subject = strings.TrimSpace(out.Subject)
	out.Body = strings.TrimSpace(out.Body)
	out.HTMLBody = strings.TrimSpace(out.HTMLBody)
	return out, nil
}
