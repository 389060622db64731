package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"budget_monitor/pkg/models"

	"github.com/PuerkitoBio/goquery"
)

// DefaultStagePaths are the DisplayTag list pages of each expense stage.
func DefaultStagePaths() map[string]string {
	return map[string]string{
		string(models.StageCommitted):  "/transparencia/despesaEmpenhada/listaAno",
		string(models.StageLiquidated): "/transparencia/despesaLiquidada/listaAno",
		string(models.StagePaid):       "/transparencia/despesaPaga/listaDespesaPagaPorAno",
	}
}

// ExpenseFileName is the path of a stage export relative to the raw dir.
func ExpenseFileName(stage models.ExpenseStage, year int) string {
	return filepath.Join(string(stage), fmt.Sprintf("equiplano_%s_ano%d.csv", stage, year))
}

// displayTagID matches "d-1234", "d-1234-" and "d-1234-e".
var displayTagID = regexp.MustCompile(`\bd-(\d+)(?:-\w+)?`)

// exportFlag is "export" in ASCII hex, as DisplayTag encodes it.
const exportFlag = "6578706f7274"

// Expenses downloads the CSV export of one expense stage for a year, as UTF-8.
// It tries, in order: a CSV link on the list page, the DisplayTag export
// parameters and finally a POST of the page's form. When all fail the list
// HTML is dumped to DebugDir and ErrExportFailed is returned.
func (c *Client) Expenses(ctx context.Context, stage models.ExpenseStage, year int) ([]byte, error) {
	path, ok := c.opts.StagePaths[string(stage)]
	if !ok {
		return nil, fmt.Errorf("unknown expense stage %q", stage)
	}
	listURL := c.resolve(path)
	params := url.Values{
		"formulario.exercicio":   {strconv.Itoa(year)},
		"formulario.codEntidade": {""},
	}

	// The list page opens the session and carries the table id.
	list, err := c.get(ctx, listURL, params, listURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s list: %w", stage, err)
	}
	page := string(list.body)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(list.body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s list: %w", stage, err)
	}

	if link := csvAnchor(doc, listURL); link != "" {
		c.logger.Debug("csv link found", "stage", stage, "year", year, "href", link)
		resp, err := c.get(ctx, link, nil, listURL)
		if err == nil && isCSV(resp.contentType, resp.body) {
			return toUTF8(resp.body, resp.contentType)
		}
		c.logger.Debug("csv link did not return CSV", "stage", stage, "year", year)
	}

	id := ""
	if m := displayTagID.FindStringSubmatch(page); m != nil {
		id = m[1]
	}
	for i, extra := range exportVariants(id) {
		q := merge(params, extra)
		resp, err := c.get(ctx, listURL, q, listURL)
		if err != nil {
			return nil, err
		}
		if isCSV(resp.contentType, resp.body) {
			c.logger.Debug("export variant accepted", "stage", stage, "year", year, "variant", i+1)
			return toUTF8(resp.body, resp.contentType)
		}
	}

	if action, form, ok := exportForm(doc, listURL); ok {
		for k, v := range params {
			form[k] = v
		}
		form.Set(exportFlag, "1")
		if id != "" {
			form.Set("d-"+id+"-e", "1")
		}
		var resp *response
		err := c.retry(ctx, fmt.Sprintf("%s %d form export", stage, year), func() error {
			var err error
			resp, err = c.do(ctx, http.MethodPost, action, form, listURL)
			return err
		})
		if err != nil {
			return nil, err
		}
		if isCSV(resp.contentType, resp.body) {
			return toUTF8(resp.body, resp.contentType)
		}
	}

	dump := c.dumpHTML(fmt.Sprintf("%s_%d_export_falhou.html", stage, year), list.body)
	return nil, fmt.Errorf("%w for %s/%d (HTML saved to %s)", ErrExportFailed, stage, year, dump)
}

// SaveExpenses downloads a stage export into dir and returns its path.
func (c *Client) SaveExpenses(ctx context.Context, stage models.ExpenseStage, year int, dir string) (string, error) {
	data, err := c.Expenses(ctx, stage, year)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, ExpenseFileName(stage, year))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	c.logger.Info("csv saved", "stage", stage, "year", year, "path", path, "bytes", len(data))
	return path, nil
}

func (c *Client) get(ctx context.Context, target string, params url.Values, referer string) (*response, error) {
	var resp *response
	err := c.retry(ctx, "GET "+target, func() error {
		var err error
		resp, err = c.do(ctx, http.MethodGet, target, params, referer)
		return err
	})
	return resp, err
}

func (c *Client) dumpHTML(name string, body []byte) string {
	if c.opts.DebugDir == "" {
		return ""
	}
	if err := os.MkdirAll(c.opts.DebugDir, 0755); err != nil {
		c.logger.Warn("cannot create debug dir", "dir", c.opts.DebugDir, "err", err)
		return ""
	}
	path := filepath.Join(c.opts.DebugDir, name)
	if err := os.WriteFile(path, body, 0644); err != nil {
		c.logger.Warn("cannot dump HTML", "path", path, "err", err)
		return ""
	}
	return path
}

// exportVariants lists the DisplayTag parameter sets seen on the portal.
// Without a table id only the id-less flags are tried.
func exportVariants(id string) []url.Values {
	if id == "" {
		return []url.Values{
			{exportFlag: {"1"}},
			{"exportType": {"csv"}},
			{"displaytag_export": {"true"}},
			{"export": {"csv"}},
		}
	}
	d := "d-" + id
	return []url.Values{
		{d + "-e": {"1"}, exportFlag: {"1"}},
		{d + "-o": {"csv"}, exportFlag: {"1"}},
		{d + "-e": {"1"}, "export": {"1"}},
		{d + "-o": {"csv"}, "exportType": {"csv"}},
		{"displaytag_export": {"true"}, d + "-e": {"1"}},
	}
}

func merge(base, extra url.Values) url.Values {
	out := make(url.Values, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// csvAnchor returns the first link whose href mentions csv, made absolute.
func csvAnchor(doc *goquery.Document, base string) string {
	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		h, _ := a.Attr("href")
		if strings.Contains(strings.ToLower(h), "csv") {
			href = h
			return false
		}
		return true
	})
	if href == "" {
		return ""
	}
	return absolute(base, href)
}

// exportForm collects the first form's action and current field values.
func exportForm(doc *goquery.Document, base string) (string, url.Values, bool) {
	form := doc.Find("form").First()
	if form.Length() == 0 {
		return "", nil, false
	}
	action, _ := form.Attr("action")
	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
		name, ok := field.Attr("name")
		if !ok || name == "" {
			return
		}
		value := field.AttrOr("value", "")
		if goquery.NodeName(field) == "select" {
			opt := field.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = field.Find("option").First()
			}
			value = opt.AttrOr("value", "")
		}
		values.Set(name, value)
	})
	return absolute(base, action), values, true
}

func absolute(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	r, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(r).String()
}
