/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scriptrunner

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
)

// installUtils wires lx.utils (buffer, crypto, zlib), console, and timers
// into the VM. Scripts get exactly this surface: no filesystem, no process,
// no module loading.
func (r *Runner) installUtils(lx *goja.Object) error {
	vm := r.vm

	buffer := vm.NewObject()
	buffer.Set("from", r.bufferFrom)
	buffer.Set("bufToString", r.bufToString)

	crypto := vm.NewObject()
	crypto.Set("md5", func(s string) string { return hex.EncodeToString(md5Sum(s)) })
	crypto.Set("sha1", func(s string) string {
		sum := sha1.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	})
	crypto.Set("sha256", func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	})
	crypto.Set("randomBytes", func(size int) string {
		buf := make([]byte, size)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			panic(vm.NewGoError(err))
		}
		return hex.EncodeToString(buf)
	})
	crypto.Set("aesEncrypt", func(call goja.FunctionCall) goja.Value {
		out, err := r.aes(call, true)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(vm.NewArrayBuffer(out))
	})
	crypto.Set("aesDecrypt", func(call goja.FunctionCall) goja.Value {
		out, err := r.aes(call, false)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(vm.NewArrayBuffer(out))
	})
	crypto.Set("rsaEncrypt", func(call goja.FunctionCall) goja.Value {
		data := toBytes(call.Argument(0))
		out, err := rsaEncrypt(data, call.Argument(1).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(vm.NewArrayBuffer(out))
	})
	crypto.Set("rsaDecrypt", func(call goja.FunctionCall) goja.Value {
		data := toBytes(call.Argument(0))
		out, err := rsaDecrypt(data, call.Argument(1).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(vm.NewArrayBuffer(out))
	})
	crypto.Set("base64Encode", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(base64.StdEncoding.EncodeToString(toBytes(call.Argument(0))))
	})
	crypto.Set("base64Decode", func(s string) goja.Value {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(vm.NewArrayBuffer(decoded))
	})

	zlibObj := vm.NewObject()
	zlibObj.Set("deflate", func(call goja.FunctionCall) goja.Value {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		w.Write(toBytes(call.Argument(0)))
		w.Close()
		return vm.ToValue(vm.NewArrayBuffer(buf.Bytes()))
	})
	zlibObj.Set("inflate", func(call goja.FunctionCall) goja.Value {
		reader, err := zlib.NewReader(bytes.NewReader(toBytes(call.Argument(0))))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		defer reader.Close()
		out, err := io.ReadAll(reader)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(vm.NewArrayBuffer(out))
	})

	utils := vm.NewObject()
	utils.Set("buffer", buffer)
	utils.Set("crypto", crypto)
	utils.Set("zlib", zlibObj)
	lx.Set("utils", utils)

	r.installConsole()
	r.installTimers()
	return nil
}

func md5Sum(s string) []byte {
	sum := md5.Sum([]byte(s))
	return sum[:]
}

// bufferFrom builds a binary buffer from a string (utf8, hex, or base64
// encoded) or an array of byte values.
func (r *Runner) bufferFrom(call goja.FunctionCall) goja.Value {
	encoding := "utf8"
	if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
		encoding = strings.ToLower(call.Argument(1).String())
	}

	arg := call.Argument(0)
	var data []byte
	switch exported := arg.Export().(type) {
	case string:
		switch encoding {
		case "hex":
			decoded, err := hex.DecodeString(exported)
			if err != nil {
				panic(r.vm.NewGoError(err))
			}
			data = decoded
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(exported)
			if err != nil {
				panic(r.vm.NewGoError(err))
			}
			data = decoded
		default:
			data = []byte(exported)
		}
	case goja.ArrayBuffer:
		data = append([]byte(nil), exported.Bytes()...)
	case []byte:
		data = append([]byte(nil), exported...)
	case []any:
		data = make([]byte, len(exported))
		for i, v := range exported {
			if n, ok := v.(int64); ok {
				data[i] = byte(n)
			} else if f, ok := v.(float64); ok {
				data[i] = byte(int64(f))
			}
		}
	default:
		panic(r.vm.NewGoError(fmt.Errorf("buffer.from: unsupported input %T", exported)))
	}
	return r.vm.ToValue(r.vm.NewArrayBuffer(data))
}

// bufToString renders a buffer as utf8 (default), hex, or base64.
func (r *Runner) bufToString(call goja.FunctionCall) goja.Value {
	data := toBytes(call.Argument(0))
	format := "utf8"
	if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
		format = strings.ToLower(call.Argument(1).String())
	}
	switch format {
	case "hex":
		return r.vm.ToValue(hex.EncodeToString(data))
	case "base64":
		return r.vm.ToValue(base64.StdEncoding.EncodeToString(data))
	default:
		return r.vm.ToValue(string(data))
	}
}

// toBytes coerces a script value into raw bytes.
func toBytes(v goja.Value) []byte {
	switch exported := v.Export().(type) {
	case string:
		return []byte(exported)
	case goja.ArrayBuffer:
		return exported.Bytes()
	case []byte:
		return exported
	case []any:
		data := make([]byte, len(exported))
		for i, item := range exported {
			if n, ok := item.(int64); ok {
				data[i] = byte(n)
			} else if f, ok := item.(float64); ok {
				data[i] = byte(int64(f))
			}
		}
		return data
	default:
		return []byte(v.String())
	}
}

// aes implements aesEncrypt/aesDecrypt(buffer, mode, key, iv) with PKCS7
// padding for block modes. Unknown modes fall back to CBC.
func (r *Runner) aes(call goja.FunctionCall, encrypt bool) ([]byte, error) {
	data := toBytes(call.Argument(0))
	mode := strings.ToLower(call.Argument(1).String())
	key := toBytes(call.Argument(2))
	iv := toBytes(call.Argument(3))

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	switch mode {
	case "ecb":
		if encrypt {
			return ecbCrypt(block, pkcs7Pad(data, block.BlockSize()), true), nil
		}
		return pkcs7Unpad(ecbCrypt(block, data, false))
	case "cfb":
		return streamCrypt(cipher.NewCFBEncrypter, cipher.NewCFBDecrypter, block, iv, data, encrypt), nil
	case "ofb":
		ofb := func(b cipher.Block, iv []byte) cipher.Stream { return cipher.NewOFB(b, iv) }
		return streamCrypt(ofb, ofb, block, iv, data, encrypt), nil
	case "ctr":
		ctr := func(b cipher.Block, iv []byte) cipher.Stream { return cipher.NewCTR(b, iv) }
		return streamCrypt(ctr, ctr, block, iv, data, encrypt), nil
	default:
		if mode != "cbc" {
			r.log.Warn().Str("mode", mode).Msg("unknown aes mode, using cbc")
		}
		if encrypt {
			padded := pkcs7Pad(data, block.BlockSize())
			out := make([]byte, len(padded))
			cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
			return out, nil
		}
		if len(data)%block.BlockSize() != 0 {
			return nil, fmt.Errorf("ciphertext not block aligned")
		}
		out := make([]byte, len(data))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
		return pkcs7Unpad(out)
	}
}

func streamCrypt(enc, dec func(cipher.Block, []byte) cipher.Stream, block cipher.Block, iv, data []byte, encrypt bool) []byte {
	var stream cipher.Stream
	if encrypt {
		stream = enc(block, iv)
	} else {
		stream = dec(block, iv)
	}
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out
}

func ecbCrypt(block cipher.Block, data []byte, encrypt bool) []byte {
	size := block.BlockSize()
	out := make([]byte, len(data))
	for i := 0; i+size <= len(data); i += size {
		if encrypt {
			block.Encrypt(out[i:i+size], data[i:i+size])
		} else {
			block.Decrypt(out[i:i+size], data[i:i+size])
		}
	}
	return out
}

func pkcs7Pad(data []byte, size int) []byte {
	padding := size - len(data)%size
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > len(data) {
		return nil, fmt.Errorf("invalid pkcs7 padding")
	}
	return data[:len(data)-padding], nil
}

func rsaEncrypt(data []byte, publicKeyPEM string) ([]byte, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("invalid public key pem")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if pk, err1 := x509.ParsePKCS1PublicKey(block.Bytes); err1 == nil {
			parsed = pk
		} else {
			return nil, err
		}
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an rsa public key")
	}
	return rsa.EncryptPKCS1v15(rand.Reader, pub, data)
}

func rsaDecrypt(data []byte, privateKeyPEM string) ([]byte, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("invalid private key pem")
	}
	var priv *rsa.PrivateKey
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		priv = key
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an rsa private key")
		}
		priv = rsaKey
	} else {
		return nil, err
	}
	return rsa.DecryptPKCS1v15(rand.Reader, priv, data)
}

// installConsole routes script console output into the process log.
func (r *Runner) installConsole() {
	console := r.vm.NewObject()
	logAt := func(event func() *zerolog.Event) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			event().Str("script", r.header.Name).Msg(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	console.Set("log", logAt(func() *zerolog.Event { return r.log.Debug() }))
	console.Set("info", logAt(func() *zerolog.Event { return r.log.Info() }))
	console.Set("warn", logAt(func() *zerolog.Event { return r.log.Warn() }))
	console.Set("error", logAt(func() *zerolog.Event { return r.log.Error() }))
	r.vm.Set("console", console)
}

// installTimers provides setTimeout/setInterval backed by the runner loop,
// so callbacks always execute on the VM goroutine.
func (r *Runner) installTimers() {
	vm := r.vm

	vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout: callback is not a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		args := append([]goja.Value(nil), call.Arguments[min(2, len(call.Arguments)):]...)

		r.timerMu.Lock()
		r.timerSeq++
		id := r.timerSeq
		r.timers[id] = time.AfterFunc(delay, func() {
			r.enqueue(func() {
				r.timerMu.Lock()
				delete(r.timers, id)
				r.timerMu.Unlock()
				fn(goja.Undefined(), args...)
			})
		})
		r.timerMu.Unlock()
		return vm.ToValue(id)
	})

	vm.Set("clearTimeout", func(id int64) {
		r.timerMu.Lock()
		if timer, ok := r.timers[id]; ok {
			timer.Stop()
			delete(r.timers, id)
		}
		r.timerMu.Unlock()
	})

	vm.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setInterval: callback is not a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay <= 0 {
			delay = time.Millisecond
		}

		r.timerMu.Lock()
		r.timerSeq++
		id := r.timerSeq
		r.timerMu.Unlock()

		var arm func()
		arm = func() {
			r.timerMu.Lock()
			r.timers[id] = time.AfterFunc(delay, func() {
				r.timerMu.Lock()
				_, live := r.timers[id]
				r.timerMu.Unlock()
				if !live {
					return
				}
				r.enqueue(func() {
					fn(goja.Undefined())
				})
				arm()
			})
			r.timerMu.Unlock()
		}
		arm()
		return vm.ToValue(id)
	})

	vm.Set("clearInterval", func(id int64) {
		r.timerMu.Lock()
		if timer, ok := r.timers[id]; ok {
			timer.Stop()
			delete(r.timers, id)
		}
		r.timerMu.Unlock()
	})
}
