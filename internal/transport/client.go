package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cineshorts/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DeleteStyle 选择删除接口的寻址方式。
type DeleteStyle string

const (
	DeletePath  DeleteStyle = "path"  // DELETE /delete/{filename}
	DeleteQuery DeleteStyle = "query" // DELETE /delete?filename=
)

const maxResponseBytes int64 = 16 * 1024 * 1024

var requestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cineshorts_transport_request_duration_seconds",
		Help:    "Duration of calls to the processing service",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	},
	[]string{"operation", "outcome"},
)

// Options 配置 Client。
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	DeleteStyle DeleteStyle
	Logger      zerolog.Logger

	// RequestTimeout 作用于列表、缓存读取和删除；ProcessTimeout 只作用于检测。0 表示不限制。
	RequestTimeout time.Duration
	ProcessTimeout time.Duration
}

// Client 调用远端处理服务，只做 I/O，不持有任何本地状态。
type Client struct {
	base        string
	http        *http.Client
	deleteStyle DeleteStyle
	logger      zerolog.Logger

	requestTimeout time.Duration
	processTimeout time.Duration
}

// New 校验地址并构造 Client。
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid service url %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	style := opts.DeleteStyle
	if style == "" {
		style = DeletePath
	}
	if style != DeletePath && style != DeleteQuery {
		return nil, fmt.Errorf("unknown delete style %q", style)
	}

	return &Client{
		base:        strings.TrimRight(u.String(), "/"),
		http:        httpClient,
		deleteStyle: style,
		logger:      opts.Logger.With().Str("component", "transport").Logger(),

		requestTimeout: opts.RequestTimeout,
		processTimeout: opts.ProcessTimeout,
	}, nil
}

// ListAssets 返回服务端已有的文件名。
func (c *Client) ListAssets(ctx context.Context) ([]string, error) {
	const op = "list assets"

	var names []string
	if err := c.doJSON(ctx, op, http.MethodGet, c.endpoint("/uploads/list", nil), c.requestTimeout, &names); err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// FetchCachedScenes 读取服务端缓存的检测结果，是否可用由调用方判断。
func (c *Client) FetchCachedScenes(ctx context.Context, filename string) (domain.DetectionResult, error) {
	const op = "fetch cached scenes"

	var wire wireResult
	target := c.endpoint("/scenes/"+url.PathEscape(filename), nil)
	if err := c.doJSON(ctx, op, http.MethodGet, target, c.requestTimeout, &wire); err != nil {
		return domain.DetectionResult{}, err
	}
	return wire.toDomain(filename, false), nil
}

// DetectScenes 触发一次新的场景检测，耗时可能很长。
func (c *Client) DetectScenes(ctx context.Context, filename string) (domain.DetectionResult, error) {
	const op = "detect scenes"

	var wire wireResult
	target := c.endpoint("/process", url.Values{"filename": {filename}})
	if err := c.doJSON(ctx, op, http.MethodPost, target, c.processTimeout, &wire); err != nil {
		return domain.DetectionResult{}, err
	}
	wire.FromCache = false
	return wire.toDomain(filename, true), nil
}

// DeleteAsset 删除远端文件；响应体内容被忽略，只看状态码。
func (c *Client) DeleteAsset(ctx context.Context, filename string) error {
	const op = "delete asset"

	target := c.endpoint("/delete/"+url.PathEscape(filename), nil)
	if c.deleteStyle == DeleteQuery {
		target = c.endpoint("/delete", url.Values{"filename": {filename}})
	}
	return c.doJSON(ctx, op, http.MethodDelete, target, c.requestTimeout, nil)
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

// doJSON 发送无请求体的调用并把成功响应解码到 out（out 为 nil 时忽略响应体）。
// 超时按网络错误上报，调用方取消则返回 ErrCanceled。
func (c *Client) doJSON(ctx context.Context, op, method, target string, timeout time.Duration, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return &Error{Op: op, Code: CodeNetwork, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	return c.send(ctx, op, req, out)
}

func (c *Client) send(ctx context.Context, op string, req *http.Request, out any) (err error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(op, outcomeLabel(err)).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		return c.requestError(ctx, op, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("service returned failure status")
		return &Error{Op: op, Code: CodeStatus, Status: resp.StatusCode, Message: statusMessage(resp.StatusCode, body)}
	}
	if readErr != nil {
		return c.requestError(ctx, op, readErr)
	}

	if out == nil {
		return nil
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Op: op, Code: CodeMalformedBody, Status: resp.StatusCode, Message: err.Error()}
	}
	return nil
}

func (c *Client) requestError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return ErrCanceled
	}
	return &Error{Op: op, Code: CodeNetwork, Message: err.Error()}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	default:
		if te, ok := AsError(err); ok {
			return string(te.Code)
		}
		return "error"
	}
}

type wireResult struct {
	Filename          string         `json:"filename"`
	FromCache         bool           `json:"from_cache"`
	SceneCount        *int           `json:"scene_count"`
	Scenes            []domain.Scene `json:"scenes"`
	ProcessingTimeSec *float64       `json:"processing_time_sec"`
}

// toDomain 转换为内部结构。zeroFallback 为 true 时 scene_count 为 0 也回退到 len(scenes)，
// 否则仅在字段缺失时回退。
func (w wireResult) toDomain(filename string, zeroFallback bool) domain.DetectionResult {
	scenes := w.Scenes
	if scenes == nil {
		scenes = []domain.Scene{}
	}

	count := len(scenes)
	if w.SceneCount != nil && (*w.SceneCount > 0 || !zeroFallback) {
		count = max(*w.SceneCount, 0)
	}

	res := domain.DetectionResult{
		Filename:   filename,
		SceneCount: count,
		Scenes:     scenes,
		FromCache:  w.FromCache,
	}
	if !w.FromCache && w.ProcessingTimeSec != nil && *w.ProcessingTimeSec >= 0 {
		v := *w.ProcessingTimeSec
		res.ProcessingTimeSec = &v
	}
	return res
}
