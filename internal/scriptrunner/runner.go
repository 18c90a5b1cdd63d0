/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scriptrunner hosts user-supplied source scripts in a JavaScript
// sandbox. A script registers a request handler, announces the sources it
// can parse, and is asked for playable URLs one call at a time.
//
// All VM access is serialized onto a single loop goroutine. Initialization
// is a one-shot future; resolution calls are single in-flight.
package scriptrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/httpx"
	"github.com/skaldlabs/tonearm/internal/models"
)

var (
	// ErrInitTimeout means the script never announced readiness.
	ErrInitTimeout = errors.New("script init timed out")
	// ErrInitFailed means the script announced readiness with a failure status.
	ErrInitFailed = errors.New("script reported failed initialization")
	// ErrSourceUnsupported means the script does not declare the source.
	ErrSourceUnsupported = errors.New("source not supported by script")
	// ErrQualityUnsupported means no declared quality satisfies the request.
	ErrQualityUnsupported = errors.New("no supported quality for source")
	// ErrNoHandler means the script never registered a request handler.
	ErrNoHandler = errors.New("script registered no request handler")
	// ErrEmptyURL means the script returned a response with no usable URL.
	ErrEmptyURL = errors.New("script returned no url")
	// ErrClosed means the runner has been shut down.
	ErrClosed = errors.New("script runner closed")
)

// SourceInfo is a script's declaration for one source.
type SourceInfo struct {
	Name      string
	Type      string
	Actions   []string
	Qualities []models.Quality
}

func (s SourceInfo) supportsQuality(q models.Quality) bool {
	for _, candidate := range s.Qualities {
		if candidate == q {
			return true
		}
	}
	return false
}

// Options configures a runner.
type Options struct {
	Path        string
	InitTimeout time.Duration
	CallTimeout time.Duration
}

type initResult struct {
	ok      bool
	sources map[models.SourceKey]SourceInfo
}

type callResult struct {
	value  any
	errMsg string
}

// Runner hosts one script.
type Runner struct {
	log    zerolog.Logger
	http   *httpx.Client
	opts   Options
	header Header

	jobs      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Loop-goroutine state; never touched from outside jobs.
	vm      *goja.Runtime
	handler goja.Callable
	wrap    goja.Callable
	active  chan<- callResult

	initCh  chan initResult
	sources map[models.SourceKey]SourceInfo

	callMu sync.Mutex

	urlMu   sync.Mutex
	lastURL string

	timerMu  sync.Mutex
	timerSeq int64
	timers   map[int64]*time.Timer
}

// New loads the script at opts.Path and waits for it to initialize.
func New(opts Options, client *httpx.Client, log zerolog.Logger) (*Runner, error) {
	src, err := os.ReadFile(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return NewFromSource(string(src), opts, client, log)
}

// NewFromSource runs a script given directly as source text.
func NewFromSource(src string, opts Options, client *httpx.Client, log zerolog.Logger) (*Runner, error) {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	header := ParseHeader(src)
	r := &Runner{
		log:    log.With().Str("component", "scriptrunner").Str("script", header.Name).Logger(),
		http:   client,
		opts:   opts,
		header: header,
		jobs:   make(chan func(), 64),
		done:   make(chan struct{}),
		initCh: make(chan initResult, 1),
		timers: make(map[int64]*time.Timer),
	}
	go r.loop()

	setupErr := make(chan error, 1)
	r.enqueue(func() { setupErr <- r.setup(src) })
	select {
	case err := <-setupErr:
		if err != nil {
			r.Close()
			return nil, err
		}
	case <-time.After(opts.InitTimeout):
		r.Close()
		return nil, ErrInitTimeout
	}

	select {
	case res := <-r.initCh:
		if !res.ok {
			r.Close()
			return nil, ErrInitFailed
		}
		r.sources = res.sources
	case <-time.After(opts.InitTimeout):
		r.Close()
		return nil, ErrInitTimeout
	}

	r.log.Info().Int("sources", len(r.sources)).Str("version", header.Version).Msg("script initialized")
	return r, nil
}

func (r *Runner) loop() {
	for {
		select {
		case job := <-r.jobs:
			job()
		case <-r.done:
			return
		}
	}
}

func (r *Runner) enqueue(job func()) {
	select {
	case r.jobs <- job:
	case <-r.done:
	}
}

// Close stops the loop and all pending timers.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.timerMu.Lock()
		for id, timer := range r.timers {
			timer.Stop()
			delete(r.timers, id)
		}
		r.timerMu.Unlock()
	})
}

// CloseWhenIdle shuts the runner down once the in-flight call, if any, has
// finished. Used when a replacement runner is already serving new calls.
func (r *Runner) CloseWhenIdle() {
	go func() {
		r.callMu.Lock()
		defer r.callMu.Unlock()
		r.Close()
	}()
}

// Header returns the script metadata block.
func (r *Runner) Header() Header {
	return r.header
}

// Sources returns the sources the script declared at init.
func (r *Runner) Sources() map[models.SourceKey]SourceInfo {
	out := make(map[models.SourceKey]SourceInfo, len(r.sources))
	for k, v := range r.sources {
		out[k] = v
	}
	return out
}

// Supports reports whether the script can fetch URLs for the source.
func (r *Runner) Supports(source models.SourceKey) bool {
	return r.SupportsAction(source, "musicUrl")
}

// SupportsAction reports whether the script declares an action for the source.
func (r *Runner) SupportsAction(source models.SourceKey, action string) bool {
	info, ok := r.sources[source]
	if !ok {
		return false
	}
	for _, declared := range info.Actions {
		if declared == action {
			return true
		}
	}
	return false
}

// setup builds the VM, installs the lx surface, and executes the script.
// Runs on the loop goroutine.
func (r *Runner) setup(src string) error {
	vm := goja.New()
	r.vm = vm

	wrapVal, err := vm.RunString(`(function(result, deliver) {
		Promise.resolve(result).then(
			function(v) { deliver("", v); },
			function(e) { deliver(e && e.message ? String(e.message) : String(e), null); }
		);
	})`)
	if err != nil {
		return fmt.Errorf("compile promise wrapper: %w", err)
	}
	wrap, ok := goja.AssertFunction(wrapVal)
	if !ok {
		return errors.New("promise wrapper is not callable")
	}
	r.wrap = wrap

	lx := vm.NewObject()
	eventNames := vm.NewObject()
	eventNames.Set("inited", "inited")
	eventNames.Set("request", "request")
	eventNames.Set("updateAlert", "updateAlert")
	lx.Set("EVENT_NAMES", eventNames)
	lx.Set("env", "desktop")
	lx.Set("version", "2.0.0")

	scriptInfo := vm.NewObject()
	scriptInfo.Set("name", r.header.Name)
	scriptInfo.Set("description", r.header.Description)
	scriptInfo.Set("version", r.header.Version)
	scriptInfo.Set("author", r.header.Author)
	scriptInfo.Set("homepage", r.header.Homepage)
	lx.Set("currentScriptInfo", scriptInfo)

	lx.Set("on", func(event string, handler goja.Value) {
		if event != "request" {
			return
		}
		fn, ok := goja.AssertFunction(handler)
		if !ok {
			panic(vm.NewTypeError("request handler is not a function"))
		}
		r.handler = fn
	})

	lx.Set("send", func(event string, data goja.Value) {
		switch event {
		case "inited":
			r.deliverInit(data)
		case "updateAlert":
			r.log.Info().Str("payload", data.String()).Msg("script alert")
		}
	})

	r.installRequest(lx)
	if err := r.installUtils(lx); err != nil {
		return err
	}
	vm.Set("lx", lx)

	if _, err := vm.RunScript(r.header.Name, src); err != nil {
		return fmt.Errorf("execute script: %w", err)
	}
	return nil
}

// deliverInit parses the inited payload. Only the first delivery counts.
func (r *Runner) deliverInit(data goja.Value) {
	res := initResult{ok: true, sources: make(map[models.SourceKey]SourceInfo)}

	payload, _ := data.Export().(map[string]any)
	if payload != nil {
		if status, ok := payload["status"].(bool); ok && !status {
			res.ok = false
		}
		if sources, ok := payload["sources"].(map[string]any); ok {
			for key, raw := range sources {
				decl, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				info := SourceInfo{Type: "music"}
				if name, ok := decl["name"].(string); ok {
					info.Name = name
				}
				if typ, ok := decl["type"].(string); ok {
					info.Type = typ
				}
				if actions, ok := decl["actions"].([]any); ok {
					for _, a := range actions {
						if s, ok := a.(string); ok {
							info.Actions = append(info.Actions, s)
						}
					}
				}
				if qualities, ok := decl["qualitys"].([]any); ok {
					for _, q := range qualities {
						if s, ok := q.(string); ok {
							info.Qualities = append(info.Qualities, models.Quality(s))
						}
					}
				}
				if info.Type == "music" {
					res.sources[models.SourceKey(key)] = info
				}
			}
		}
	}

	select {
	case r.initCh <- res:
	default:
	}
}

// pickQuality returns the requested quality, degraded as needed to one the
// script declares for the source.
func pickQuality(info SourceInfo, requested models.Quality) (models.Quality, error) {
	q := requested
	for {
		if info.supportsQuality(q) {
			return q, nil
		}
		next, ok := q.Downgrade()
		if !ok {
			return "", ErrQualityUnsupported
		}
		q = next
	}
}

// Resolve asks the script for a playable URL. It returns the quality that
// was actually requested after any downgrade.
func (r *Runner) Resolve(ctx context.Context, source models.SourceKey, song *models.Song, quality models.Quality) (string, models.Quality, error) {
	select {
	case <-r.done:
		return "", "", ErrClosed
	default:
	}

	info, ok := r.sources[source]
	if !ok || !r.Supports(source) {
		return "", "", ErrSourceUnsupported
	}
	effective, err := pickQuality(info, quality)
	if err != nil {
		return "", "", err
	}

	res, err := r.call(ctx, source, "musicUrl", song, string(effective))
	if err != nil {
		return "", "", err
	}

	if res.errMsg != "" {
		if fallback := r.takeLastURL(); fallback != "" {
			r.log.Warn().Str("source", string(source)).Str("error", res.errMsg).Msg("script failed, using observed url fallback")
			return fallback, effective, nil
		}
		return "", "", fmt.Errorf("script error: %s", res.errMsg)
	}

	url := extractURL(res.value)
	if url == "" {
		if fallback := r.takeLastURL(); fallback != "" {
			return fallback, effective, nil
		}
		return "", "", ErrEmptyURL
	}
	r.takeLastURL()
	return url, effective, nil
}

// call runs one request/response exchange with the script. Calls are
// single in-flight.
func (r *Runner) call(ctx context.Context, source models.SourceKey, action string, song *models.Song, infoType string) (callResult, error) {
	r.callMu.Lock()
	defer r.callMu.Unlock()

	resultCh := make(chan callResult, 1)
	r.enqueue(func() {
		r.invokeHandler(source, action, song, infoType, resultCh)
	})

	timeout := time.NewTimer(r.opts.CallTimeout)
	defer timeout.Stop()

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return callResult{}, ctx.Err()
	case <-timeout.C:
		return callResult{}, fmt.Errorf("script call timed out for %s", source)
	case <-r.done:
		return callResult{}, ErrClosed
	}
}

// Lyric asks the script for the song's lyric text. Failures are soft: the
// caller gets an empty string and plays on without one.
func (r *Runner) Lyric(ctx context.Context, source models.SourceKey, song *models.Song) (string, error) {
	select {
	case <-r.done:
		return "", ErrClosed
	default:
	}
	if !r.SupportsAction(source, "lyric") {
		return "", ErrSourceUnsupported
	}

	res, err := r.call(ctx, source, "lyric", song, "")
	if err != nil {
		return "", err
	}
	if res.errMsg != "" {
		r.log.Debug().Str("source", string(source)).Str("error", res.errMsg).Msg("lyric fetch failed")
		return "", nil
	}
	return extractField(res.value, "lyric"), nil
}

// PicURL asks the script for the song's cover art URL. Like Lyric, a script
// failure yields an empty string, not an error.
func (r *Runner) PicURL(ctx context.Context, source models.SourceKey, song *models.Song) (string, error) {
	select {
	case <-r.done:
		return "", ErrClosed
	default:
	}
	if !r.SupportsAction(source, "pic") {
		return "", ErrSourceUnsupported
	}

	res, err := r.call(ctx, source, "pic", song, "")
	if err != nil {
		return "", err
	}
	if res.errMsg != "" {
		r.log.Debug().Str("source", string(source)).Str("error", res.errMsg).Msg("cover art fetch failed")
		return "", nil
	}
	return extractURL(res.value), nil
}

// invokeHandler runs on the loop goroutine.
func (r *Runner) invokeHandler(source models.SourceKey, action string, song *models.Song, infoType string, resultCh chan<- callResult) {
	r.active = resultCh
	deliver := func(errMsg string, value goja.Value) {
		r.active = nil
		var exported any
		if value != nil && !goja.IsNull(value) && !goja.IsUndefined(value) {
			exported = value.Export()
		}
		select {
		case resultCh <- callResult{value: exported, errMsg: errMsg}:
		default:
		}
	}

	if r.handler == nil {
		deliver(ErrNoHandler.Error(), nil)
		return
	}

	musicInfo := map[string]any{
		"songmid":   song.ID,
		"hash":      fmt.Sprint(song.ID),
		"name":      song.Name,
		"singer":    song.Artist,
		"albumName": song.Album,
		"interval":  song.DurationMS / 1000,
		"source":    string(source),
	}
	info := map[string]any{
		"musicInfo": musicInfo,
	}
	if infoType != "" {
		info["type"] = infoType
	}
	payload := map[string]any{
		"source": string(source),
		"action": action,
		"info":   info,
	}

	result, err := r.handler(goja.Undefined(), r.vm.ToValue(payload))
	if err != nil {
		deliver(scriptErrorMessage(err), nil)
		return
	}
	if _, err := r.wrap(goja.Undefined(), result, r.vm.ToValue(deliver)); err != nil {
		deliver(scriptErrorMessage(err), nil)
	}
}

// failActive fails the in-flight call, if any. An exception thrown inside a
// script's request callback never settles the handler promise, so the bridge
// reports it here instead of letting the call run into its timeout. Runs on
// the loop goroutine.
func (r *Runner) failActive(errMsg string) {
	if r.active == nil {
		return
	}
	select {
	case r.active <- callResult{errMsg: errMsg}:
	default:
	}
	r.active = nil
}

func scriptErrorMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value().String()
	}
	return err.Error()
}

// extractURL handles the response shapes scripts are known to return:
// a bare string, {url}, {data: string}, or {data: {url}}.
func extractURL(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if u, ok := t["url"].(string); ok && strings.TrimSpace(u) != "" {
			return strings.TrimSpace(u)
		}
		if data, ok := t["data"]; ok {
			return extractURL(data)
		}
	}
	return ""
}

// extractField pulls a named string out of a response, accepting a bare
// string, {<field>}, or {data: …} nesting.
func extractField(v any, field string) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t[field].(string); ok && s != "" {
			return s
		}
		if data, ok := t["data"]; ok {
			return extractField(data, field)
		}
	}
	return ""
}

// observeURL records a url field seen in an HTTP response body. Some scripts
// fetch the right URL and then crash before returning it.
func (r *Runner) observeURL(url string) {
	if url == "" {
		return
	}
	r.urlMu.Lock()
	r.lastURL = url
	r.urlMu.Unlock()
}

// takeLastURL returns and clears the fallback URL.
func (r *Runner) takeLastURL() string {
	r.urlMu.Lock()
	defer r.urlMu.Unlock()
	url := r.lastURL
	r.lastURL = ""
	return url
}
