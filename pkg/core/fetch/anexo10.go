package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const anexo10Path = "/transparencia/execucaoOrcamentariaAnexo10ComparativoDaReceitaPrevistaComArrecadada"

func init() {
	// Validation only; pdfcpu must not create a config dir under $HOME.
	api.DisableConfigDir()
}

// Entity is a municipal body selectable in the Anexo 10 form.
type Entity struct {
	Code int    `yaml:"code"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// DefaultEntities lists every entity consolidated by the municipality.
func DefaultEntities() []Entity {
	return []Entity{
		{483, "Administração dos Cemitérios e Serviços Funerários de Londrina - ACESF", "AUTARQUIA"},
		{482, "Autarquia Municipal de Saúde - AMS", "AUTARQUIA"},
		{486, "Caixa de Assist.Aposent. Pensões dos Servidores Municipais de Londrina", "AUTARQUIA"},
		{481, "Câmara Municipal de Londrina", "CAMARA"},
		{488, "Fundação de Esportes de Londrina", "AUTARQUIA"},
		{484, "Fundo de Assistência à Saúde dos Servidores Municipais de Londrina ", "AUTARQUIA"},
		{485, "Fundo de Previdência Social dos Servidores Municipais de Londrina ", "FUNDO_PREVIDENCIA"},
		{487, "Fundo de Urbanização de Londrina", "NAO_ENUMERADO"},
		{406, "Fundo Municipal de Saúde de Londrina", "AUTARQUIA"},
		{490, "Instituto de Desenvolvimento de Londrina - CODEL", "AUTARQUIA"},
		{489, "Instituto de Pesquisa e Planejamento Urbano de Londrina - IPPUL", "AUTARQUIA"},
		{480, "Prefeitura do Município de Londrina", "PREFEITURA"},
	}
}

// SelectEntities keeps the entities whose code is listed. Unknown codes get a
// generic name.
func SelectEntities(all []Entity, codes []int) []Entity {
	if len(codes) == 0 {
		return all
	}
	byCode := make(map[int]Entity, len(all))
	for _, e := range all {
		byCode[e.Code] = e
	}
	out := make([]Entity, 0, len(codes))
	for _, c := range codes {
		e, ok := byCode[c]
		if !ok {
			e = Entity{Code: c, Name: fmt.Sprintf("Entidade %d", c), Kind: "AUTARQUIA"}
		}
		out = append(out, e)
	}
	return out
}

// Anexo10Form builds the report form for a year: full year, summary only,
// detailed by funding source, accounts without movement included.
func Anexo10Form(year int, entities []Entity) url.Values {
	form := url.Values{
		"formulario.exercicio":                 {strconv.Itoa(year)},
		"formulario.mesFinal":                  {"12"},
		"formulario.previsaoAnexo10Receitas":   {"1"},
		"formulario.nrPaginaInicial":           {"1"},
		"formulario.imprimirApenasResumo":      {"true"},
		"formulario.detalharPorFonteRecurso":   {"true"},
		"formulario.incluirContasSemMovimento": {"true"},
		"formulario.tpFormatoExterno":          {"PDF"},
	}
	for i, e := range entities {
		prefix := fmt.Sprintf("formulario.seletorEntidades.itens[%d]", i)
		form.Set(prefix+".objeto.codEntidade", strconv.Itoa(e.Code))
		form.Set(prefix+".objeto.nome", e.Name)
		form.Set(prefix+".objeto.tipoEntidade", e.Kind)
		form.Set(prefix+".selecionado", "true")
	}
	return form
}

// Anexo10FileName is the name a downloaded report is saved under.
func Anexo10FileName(year int) string {
	return fmt.Sprintf("%d-12-31_anexo10_prev_arrec.pdf", year)
}

// Anexo10 downloads the revenue report of a year and validates it as a PDF.
func (c *Client) Anexo10(ctx context.Context, year int) ([]byte, error) {
	form := Anexo10Form(year, c.opts.Entities)
	target := c.resolve(anexo10Path + "/process")
	referer := c.resolve(anexo10Path)

	var pdf []byte
	attempt := 0
	err := c.retry(ctx, fmt.Sprintf("anexo10 %d", year), func() error {
		attempt++
		resp, err := c.do(ctx, http.MethodPost, target, form, referer)
		if err != nil {
			return err
		}
		if looksLikeHTML(resp.body) {
			if path := c.dumpHTML(fmt.Sprintf("%d_attempt%d.html", year, attempt), resp.body); path != "" {
				c.logger.Debug("html reply saved", "year", year, "path", path)
			}
		}
		pages, err := validatePDF(resp.body)
		if err != nil {
			return err
		}
		c.logger.Debug("pdf validated", "year", year, "pages", pages, "bytes", len(resp.body))
		pdf = resp.body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pdf, nil
}

// SaveAnexo10 downloads the report of a year into dir and returns its path.
func (c *Client) SaveAnexo10(ctx context.Context, year int, dir string) (string, error) {
	data, err := c.Anexo10(ctx, year)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, Anexo10FileName(year))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	c.logger.Info("pdf saved", "year", year, "path", path, "bytes", len(data))
	return path, nil
}

// validatePDF rejects HTML error pages and structurally broken files. It
// returns the page count.
func validatePDF(data []byte) (int, error) {
	if looksLikeHTML(data) {
		return 0, fmt.Errorf("%w: server answered with HTML (session or parameters)", ErrNotPDF)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return 0, fmt.Errorf("%w: missing %%PDF header", ErrNotPDF)
	}
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	return ctx.PageCount, nil
}
