package sicar

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/apperror"
)

const (
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	base64ZipPrefix  = "data:application/zip;base64,"
	minCARZipSize    = 1000
	maxErrorBodySize = 512
)

// Options は HTTPClient の設定です。
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	Attempts    int
	InsecureTLS bool
	Solver      Solver
	Logger      *zap.SugaredLogger
	// Pause はキャプチャ試行の間隔です。nil の場合 0〜2 秒のランダムな待ちを入れます。
	Pause func(ctx context.Context) error
}

// HTTPClient は SICAR の公開サイトを HTTP で操作します。
type HTTPClient struct {
	base     string
	http     *http.Client
	solver   Solver
	attempts int
	log      *zap.SugaredLogger
	pause    func(ctx context.Context) error

	// セッション Cookie の初期化は成功するまで各操作の前に試みます。
	cookieMu    sync.Mutex
	cookieReady bool
}

// NewHTTPClient は HTTPClient を作成します。
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.Solver == nil {
		return nil, errors.New("captcha solver is required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 25
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Pause == nil {
		opts.Pause = jitterPause
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureTLS, //nolint:gosec // SICAR の証明書チェーンが不完全な環境向け
	}

	return &HTTPClient{
		base: strings.TrimRight(opts.BaseURL, "/"),
		http: &http.Client{
			Timeout:   opts.Timeout,
			Jar:       jar,
			Transport: transport,
		},
		solver:   opts.Solver,
		attempts: opts.Attempts,
		log:      opts.Logger,
		pause:    opts.Pause,
	}, nil
}

func jitterPause(ctx context.Context) error {
	wait := time.Duration(rand.Int64N(int64(2 * time.Second)))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReleaseDates は州ごとの公開日（dd/mm/yyyy）を取得します。
func (c *HTTPClient) ReleaseDates(ctx context.Context) (map[string]string, error) {
	body, _, err := c.get(ctx, c.base+"/estados/downloads")
	if err != nil {
		return nil, err
	}
	dates, err := parseReleaseDates(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse release dates page")
	}
	return dates, nil
}

// SearchCAR は CAR 番号で物件を検索します。
func (c *HTTPClient) SearchCAR(ctx context.Context, car string) (*Property, error) {
	car, err := NormalizeCAR(car)
	if err != nil {
		return nil, err
	}
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	body, _, err := c.get(ctx, c.base+"/imoveis/search?"+url.Values{"text": {car}}.Encode())
	if err != nil {
		return nil, err
	}

	var payload struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperror.Transient(errors.Wrap(err, "decode search response"))
	}
	if len(payload.Features) == 0 {
		return nil, apperror.NotFound("CAR_NOT_FOUND", fmt.Sprintf("CAR 番号 %s の物件が見つかりません。", car))
	}

	var feature struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload.Features[0], &feature); err != nil {
		return nil, apperror.Transient(errors.Wrap(err, "decode search feature"))
	}
	id := strings.Trim(string(feature.ID), `"`)
	if id == "" || id == "null" {
		return nil, apperror.NotFound("CAR_NOT_FOUND", fmt.Sprintf("CAR 番号 %s の内部 ID が見つかりません。", car))
	}

	return &Property{ID: id, CARNumber: car, Feature: payload.Features[0]}, nil
}

// DownloadState は州とポリゴン種別を指定してシェープファイルを取得します。
func (c *HTTPClient) DownloadState(ctx context.Context, state, polygon string) (*Artifact, error) {
	state, err := NormalizeState(state)
	if err != nil {
		return nil, err
	}
	polygon, err = NormalizePolygon(polygon)
	if err != nil {
		return nil, err
	}
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("%s_%s.zip", state, remotePolygon(polygon))
	return c.withCaptcha(ctx, state+"/"+polygon, func(captcha string) (*Artifact, error) {
		query := url.Values{
			"idEstado":  {state},
			"tipoBase":  {remotePolygon(polygon)},
			"ReCaptcha": {captcha},
		}
		body, header, err := c.get(ctx, c.base+"/estados/downloadBase?"+query.Encode())
		if err != nil {
			return nil, err
		}
		if len(body) == 0 || !strings.HasPrefix(header.Get("Content-Type"), "application/zip") {
			return nil, errors.Newf("unexpected response (content-type %q, %d bytes)", header.Get("Content-Type"), len(body))
		}
		return &Artifact{Filename: filename, Content: body}, nil
	})
}

// DownloadCAR は CAR 番号で物件のシェープファイルを取得します。
func (c *HTTPClient) DownloadCAR(ctx context.Context, car string) (*Artifact, error) {
	property, err := c.SearchCAR(ctx, car)
	if err != nil {
		return nil, err
	}

	filename := strings.NewReplacer("-", "_", "/", "_").Replace(property.CARNumber) + ".zip"
	return c.withCaptcha(ctx, property.CARNumber, func(captcha string) (*Artifact, error) {
		form := url.Values{"idImovel": {property.ID}, "ReCaptcha": {captcha}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/imoveis/exportShapeFile", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, errors.Wrap(err, "build export request")
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		body, header, err := c.do(req)
		if err != nil {
			return nil, err
		}

		content := body
		if bytes.HasPrefix(body, []byte(base64ZipPrefix)) {
			decoded, err := base64.StdEncoding.DecodeString(string(body[len(base64ZipPrefix):]))
			if err != nil {
				return nil, errors.Wrap(err, "decode base64 shapefile")
			}
			content = decoded
		}

		contentType := header.Get("Content-Type")
		if !strings.Contains(contentType, "application/zip") &&
			!strings.Contains(contentType, "application/octet-stream") &&
			len(content) <= minCARZipSize {
			return nil, errors.Newf("unexpected response (content-type %q, %d bytes)", contentType, len(content))
		}
		return &Artifact{Filename: filename, Content: content}, nil
	})
}

// withCaptcha はキャプチャの取得と読み取りを attempts 回まで繰り返し、fetch を実行します。
func (c *HTTPClient) withCaptcha(ctx context.Context, label string, fetch func(captcha string) (*Artifact, error)) (*Artifact, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		artifact, err := c.tryCaptcha(ctx, fetch)
		if err == nil {
			c.log.Infow("SICAR download succeeded", "target", label, "attempt", attempt, "bytes", len(artifact.Content))
			return artifact, nil
		}
		lastErr = err
		c.log.Debugw("SICAR captcha attempt failed", "target", label, "attempt", attempt, "error", err)

		if attempt < c.attempts {
			if err := c.pause(ctx); err != nil {
				return nil, err
			}
		}
	}
	return nil, apperror.Transient(errors.Wrapf(lastErr, "download %s failed after %d attempts", label, c.attempts))
}

func (c *HTTPClient) tryCaptcha(ctx context.Context, fetch func(captcha string) (*Artifact, error)) (*Artifact, error) {
	image, _, err := c.get(ctx, fmt.Sprintf("%s/municipios/ReCaptcha?id=%d", c.base, rand.IntN(1000000)))
	if err != nil {
		return nil, errors.Wrap(err, "download captcha")
	}
	captcha, err := c.solver.Solve(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(captcha) != captchaLength {
		return nil, errors.Newf("invalid captcha %q", captcha)
	}
	return fetch(captcha)
}

// ensureSession は初回のみトップページを開いてセッション Cookie を取得します。
func (c *HTTPClient) ensureSession(ctx context.Context) error {
	c.cookieMu.Lock()
	defer c.cookieMu.Unlock()
	if c.cookieReady {
		return nil
	}
	if _, _, err := c.get(ctx, c.base+"/imoveis/index"); err != nil {
		return err
	}
	c.cookieReady = true
	return nil
}

func (c *HTTPClient) get(ctx context.Context, target string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "build request %s", target)
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, http.Header, error) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, apperror.Transient(errors.Wrapf(err, "%s %s", req.Method, req.URL.Path))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, apperror.Transient(errors.Wrapf(err, "read %s", req.URL.Path))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		snippet := body
		if len(snippet) > maxErrorBodySize {
			snippet = snippet[:maxErrorBodySize]
		}
		return nil, nil, apperror.Transient(errors.Newf("%s %s: HTTP %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet))
	}
	return body, resp.Header, nil
}
