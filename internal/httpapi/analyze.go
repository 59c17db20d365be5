package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"aspectify/internal/diag"
	"aspectify/internal/pipeline"
	"aspectify/pkg/contract"
)

// analyzeRequest: JSON 请求体，text 与 items 二选一（items 优先）。
type analyzeRequest struct {
	Text  string         `json:"text"`
	Items []contract.Row `json:"items"`
}

var errNoInput = fmt.Errorf("%w: request must contain `text`, `items` or a CSV `upload_file`", contract.ErrInputInvalid)

// handleAnalyze: POST /analyze。
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	rid := RequestIDFrom(r.Context())
	logger := s.logger.WithCorrID(rid)
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	start := time.Now()
	rows, source, err := s.readRows(r)
	if err != nil {
		s.writeError(w, logger, err)
		return
	}
	set := s.set
	set.Source = source
	timer := logger.StartWithKV("httpapi", "analyze", string(source), "", map[string]string{"rows": strconv.Itoa(len(rows))})
	resp, err := pipeline.Run(r.Context(), s.comp, set, rows, logger)
	if err != nil {
		s.writeError(w, logger, err)
		return
	}
	timer.Finish("analyze done", int64(len(resp.Results)))
	diag.ObserveDuration("httpapi", "analyze", time.Since(start).Milliseconds())
	if resp.Results == nil {
		resp.Results = []contract.ItemResult{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// readRows 依据 Content-Type 解析输入为原始行。
func (s *Server) readRows(r *http.Request) ([]contract.Row, contract.SourceID, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "multipart/form-data", "application/x-www-form-urlencoded":
		return s.readForm(r)
	case "application/json", "":
		return s.readJSON(r)
	default:
		return nil, "", fmt.Errorf("%w: unsupported content type %q", contract.ErrInputInvalid, ct)
	}
}

func (s *Server) readForm(r *http.Request) ([]contract.Row, contract.SourceID, error) {
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, "", formError(err)
	}
	if r.MultipartForm != nil {
		if fhs := r.MultipartForm.File["upload_file"]; len(fhs) > 0 {
			fh := fhs[0]
			if !strings.EqualFold(filepath.Ext(fh.Filename), ".csv") {
				return nil, "", fmt.Errorf("%w: only .csv uploads are accepted, got %q", contract.ErrInputInvalid, fh.Filename)
			}
			f, err := fh.Open()
			if err != nil {
				return nil, "", err
			}
			defer f.Close()
			sid := contract.SourceID(filepath.Base(fh.Filename))
			rows, err := s.csv.Split(r.Context(), sid, f)
			return rows, sid, err
		}
	}
	text := strings.TrimSpace(r.FormValue("text"))
	if text == "" {
		return nil, "", errNoInput
	}
	rows, err := s.text.Split(r.Context(), "text", strings.NewReader(text))
	return rows, "text", err
}

func (s *Server) readJSON(r *http.Request) ([]contract.Row, contract.SourceID, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", formError(err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, "", errNoInput
	}
	var req analyzeRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	// 数字 id 保持原文，避免经 float64 丢失精度。
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, "", fmt.Errorf("%w: decode body: %v", contract.ErrInputInvalid, err)
	}
	switch {
	case len(req.Items) > 0:
		return req.Items, "items", nil
	case strings.TrimSpace(req.Text) != "":
		rows, err := s.text.Split(r.Context(), "text", strings.NewReader(req.Text))
		return rows, "text", err
	default:
		return nil, "", errNoInput
	}
}

// formError 保留请求体超限错误，其余归为输入错误。
func formError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return fmt.Errorf("%w: %v", contract.ErrInputInvalid, err)
}
