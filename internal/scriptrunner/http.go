/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scriptrunner

import (
	"context"
	"net/http"
	"time"

	"github.com/dop251/goja"

	"github.com/skaldlabs/tonearm/internal/httpx"
)

// installRequest wires lx.request(url, options, callback) into the VM.
// The network call runs off the loop goroutine; the callback is enqueued
// back onto it. The returned value cancels the in-flight request.
func (r *Runner) installRequest(lx *goja.Object) {
	vm := r.vm

	lx.Set("request", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()

		var options map[string]any
		callbackArg := call.Argument(1)
		if len(call.Arguments) > 2 {
			options, _ = call.Argument(1).Export().(map[string]any)
			callbackArg = call.Argument(2)
		}
		callback, ok := goja.AssertFunction(callbackArg)
		if !ok {
			panic(vm.NewTypeError("request: callback is not a function"))
		}

		opts := httpx.Options{Method: http.MethodGet, Headers: map[string]string{}}
		timeout := r.opts.CallTimeout
		if options != nil {
			if method, ok := options["method"].(string); ok {
				opts.Method = method
			}
			if headers, ok := options["headers"].(map[string]any); ok {
				for k, v := range headers {
					if s, ok := v.(string); ok {
						opts.Headers[k] = s
					}
				}
			}
			if body, ok := options["body"]; ok {
				opts.Body = body
			} else if form, ok := options["form"].(map[string]any); ok {
				opts.Body = form
				opts.Headers["Content-Type"] = "application/x-www-form-urlencoded"
			} else if formData, ok := options["formData"].(map[string]any); ok {
				opts.Body = formData
			}
			if ms, ok := options["timeout"].(int64); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			} else if ms, ok := options["timeout"].(float64); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)

		go func() {
			defer cancel()
			resp, err := r.http.Do(ctx, url, opts)

			r.enqueue(func() {
				if err != nil {
					if _, cerr := callback(goja.Undefined(), vm.NewGoError(err)); cerr != nil {
						r.failActive(scriptErrorMessage(cerr))
					}
					return
				}

				if obj := resp.JSONBody(); obj != nil {
					if u, ok := obj["url"].(string); ok {
						r.observeURL(u)
					} else if data, ok := obj["data"].(map[string]any); ok {
						if u, ok := data["url"].(string); ok {
							r.observeURL(u)
						}
					}
				}

				headers := make(map[string]any, len(resp.Headers))
				for k := range resp.Headers {
					headers[k] = resp.Headers.Get(k)
				}
				body := vm.ToValue(resp.Body)
				respObj := vm.NewObject()
				respObj.Set("statusCode", resp.StatusCode)
				respObj.Set("statusMessage", http.StatusText(resp.StatusCode))
				respObj.Set("headers", headers)
				respObj.Set("body", body)
				// The parsed body rides along as a third argument; scripts
				// read either resp.body or the alias.
				if _, cerr := callback(goja.Undefined(), goja.Null(), respObj, body); cerr != nil {
					r.failActive(scriptErrorMessage(cerr))
				}
			})
		}()

		return vm.ToValue(func() { cancel() })
	})
}
