// Package upstream implements the Fetcher's Source contract against the
// tushare-style JSON API described by original_source: a single POST
// endpoint taking {api_name, token, params, fields} and returning
// {code, msg, data:{fields, items}}. Client shape (wrapped http.Client,
// typed decode, structured logging) follows the teacher's
// internal/external/dart.Client and internal/external/naver.Client.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/pkg/httputil"
	"github.com/ashare-data/etld/pkg/logger"
)

// TushareSource implements fetch.Source against the tushare pro API.
type TushareSource struct {
	http    *httputil.Client
	baseURL string
	token   string
	log     *logger.Logger
}

// NewTushareSource builds a Source.
func NewTushareSource(http *httputil.Client, baseURL, token string, log *logger.Logger) *TushareSource {
	return &TushareSource{http: http, baseURL: baseURL, token: token, log: log}
}

type tushareRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// Call implements fetch.Source.
func (s *TushareSource) Call(ctx context.Context, desc model.APIDescriptor, params map[string]string) (model.Page, error) {
	body := tushareRequest{APIName: desc.Name, Token: s.token, Params: params}

	resp, err := s.http.PostJSON(ctx, s.baseURL, body)
	if err != nil {
		return model.Page{}, model.NewError(model.CategoryTransientIO, err)
	}
	raw, err := httputil.ReadBody(resp)
	if err != nil {
		return model.Page{}, model.NewError(model.CategoryTransientIO, fmt.Errorf("read tushare response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return model.Page{}, model.NewError(model.CategoryTransientIO, fmt.Errorf("tushare http %d", resp.StatusCode))
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return model.Page{}, model.NewError(model.CategoryUpstreamSchema, fmt.Errorf("tushare auth failed: http %d", resp.StatusCode))
	}

	var tr tushareResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return model.Page{}, model.NewError(model.CategoryUpstreamSchema, fmt.Errorf("decode tushare response: %w", err))
	}
	if tr.Code != 0 {
		return model.Page{}, model.NewError(model.CategoryUpstreamSchema, fmt.Errorf("tushare error %d: %s", tr.Code, tr.Msg))
	}

	return toPage(tr.Data.Fields, tr.Data.Items)
}

// toPage converts tushare's row-oriented [fields][items] shape into the
// column-oriented, schema-checked Page the rest of the engine works with.
// A column's type is inferred from its first non-null value; a later row
// whose value doesn't match is rejected as an upstream schema error
// rather than silently coerced.
func toPage(fields []string, items [][]interface{}) (model.Page, error) {
	page := model.Page{Columns: fields, Rows: len(items), Data: make(map[string]model.Column, len(fields))}

	cols := make(map[string]*model.Column, len(fields))
	for _, f := range fields {
		cols[f] = &model.Column{
			Type:    model.ColumnString,
			Strings: make([]string, len(items)),
			Floats:  make([]float64, len(items)),
			Null:    make([]bool, len(items)),
		}
	}

	typed := make(map[string]bool, len(fields))
	for rowIdx, row := range items {
		if len(row) != len(fields) {
			return model.Page{}, model.NewError(model.CategoryUpstreamSchema,
				fmt.Errorf("row %d has %d values, expected %d fields", rowIdx, len(row), len(fields)))
		}
		for colIdx, field := range fields {
			prevType := cols[field].Type
			if err := assign(cols[field], rowIdx, row[colIdx]); err != nil {
				return model.Page{}, model.NewError(model.CategoryUpstreamSchema, fmt.Errorf("field %q row %d: %w", field, rowIdx, err))
			}
			if row[colIdx] == nil {
				continue
			}
			if typed[field] && cols[field].Type != prevType {
				return model.Page{}, model.NewError(model.CategoryUpstreamSchema,
					fmt.Errorf("field %q row %d: value type differs from earlier rows", field, rowIdx))
			}
			typed[field] = true
		}
	}

	for f, c := range cols {
		page.Data[f] = *c
	}
	return page, nil
}

func assign(c *model.Column, row int, v interface{}) error {
	ensureLen(c, row+1)
	if v == nil {
		c.Null[row] = true
		return nil
	}
	switch val := v.(type) {
	case float64:
		c.Type = model.ColumnFloat
		c.Floats[row] = val
	case string:
		c.Type = model.ColumnString
		c.Strings[row] = val
	case bool:
		c.Type = model.ColumnString
		if val {
			c.Strings[row] = "true"
		} else {
			c.Strings[row] = "false"
		}
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// ensureLen grows every value slice to n, regardless of the column's
// current type: a column may see its type determined by its first
// non-null value after later rows have already extended it.
func ensureLen(c *model.Column, n int) {
	for len(c.Strings) < n {
		c.Strings = append(c.Strings, "")
	}
	for len(c.Floats) < n {
		c.Floats = append(c.Floats, 0)
	}
	for len(c.Null) < n {
		c.Null = append(c.Null, false)
	}
}
