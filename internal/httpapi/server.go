// Package httpapi 以 HTTP 暴露单次分析请求：文本、CSV 上传或 JSON 条目。
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"aspectify/internal/diag"
	"aspectify/internal/pipeline"
	"aspectify/pkg/contract"
	scsv "aspectify/plugins/splitter/csv"
	stext "aspectify/plugins/splitter/text"
)

// HeaderRequestID: 请求关联 ID 头；缺省时由服务端生成 UUID。
const HeaderRequestID = "X-Request-ID"

// DefaultMaxUploadBytes: 未配置时的请求体上限。
const DefaultMaxUploadBytes int64 = 10 << 20

// Options: 服务端可选项。
type Options struct {
	// CORSOrigins 为空时不启用 CORS 中间件。
	CORSOrigins    []string
	MaxUploadBytes int64
}

// Server 持有一次装配好的组件；每个请求独立运行编排层。
// 约束：
//  1. Components 在请求间共享，组件实现须并发安全。
//  2. 上传 CSV 与自由文本分别使用内置 csv/text 切分器，与文件模式的 splitter 选择无关。
//  3. 就绪状态由调用方在关停前置为 false。
type Server struct {
	comp   pipeline.Components
	set    pipeline.Settings
	logger *diag.Logger
	opts   Options
	csv    contract.Splitter
	text   contract.Splitter
	ready  atomic.Bool
	now    func() time.Time
}

// New 构造 Server；配置非法时返回包裹 ErrConfiguration 的错误。
func New(comp pipeline.Components, set pipeline.Settings, logger *diag.Logger, opts Options) (*Server, error) {
	if err := pipeline.CheckSettings(comp, set); err != nil {
		return nil, err
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	csvSplitter, err := scsv.New(nil)
	if err != nil {
		return nil, err
	}
	s := &Server{
		comp:   comp,
		set:    set,
		logger: logger,
		opts:   opts,
		csv:    csvSplitter,
		text:   stext.New(&stext.Options{MaxBytes: opts.MaxUploadBytes}),
		now:    time.Now,
	}
	s.ready.Store(true)
	return s, nil
}

// SetReady 切换 /ready 的返回。
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

// Handler 返回挂载全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", HeaderRequestID},
			ExposedHeaders: []string{HeaderRequestID},
			MaxAge:         300,
		}))
	}
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Post("/analyze", s.handleAnalyze)
	r.Method(http.MethodGet, "/debug/vars", expvar.Handler())
	return r
}

type ctxKey struct{}

// requestID 透传或生成请求 ID，写回响应头并放入 ctx。
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestIDFrom 返回请求 ctx 中的请求 ID。
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": float64(now.UnixNano()) / float64(time.Second),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// errorBody: 非 2xx 响应体。配额失败额外携带上游诊断。
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	UpstreamError string `json:"upstream_error,omitempty"`
}

// writeError 将运行错误映射为 HTTP 状态码：
// 配额 429，输入 400，请求体超限 413，其余 500（error 字段为分类码）。
func (s *Server) writeError(w http.ResponseWriter, logger *diag.Logger, err error) {
	code := diag.Classify(err)
	var qe *pipeline.QuotaError
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &qe):
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:         "upstream quota exceeded or rate limited",
			Message:       "The model provider reported a quota or rate-limit error. Please retry later.",
			UpstreamError: qe.Diagnostic,
		})
	case errors.As(err, &mbe):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error:   string(diag.CodeInput),
			Message: "request body exceeds " + strconv.FormatInt(mbe.Limit, 10) + " bytes",
		})
	case code == diag.CodeInput:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(code), Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(code), Message: err.Error()})
	}
	diag.IncError("httpapi", string(code))
	logger.Error("httpapi", string(code), err.Error(), nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
