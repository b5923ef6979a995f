package redirector

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/martian"
	"github.com/google/uuid"
	"github.com/tfkr-ae/redirector/core"
	"github.com/tfkr-ae/redirector/rawhttp"
	"github.com/tfkr-ae/redirector/redirect"
)

var (
	// ErrSkipPipeline is returned to stop the modifier pipeline for a request / response.
	// The request / response will still continue but won't be processed by any future modifiers
	ErrSkipPipeline = errors.New("stop processing item")

	// ErrRequestIDNotFound is returned when requestID is not found
	ErrRequestIDNotFound = errors.New("invalid or missing requestID")

	// ErrListener is returned when a registered listener fails to process a message
	ErrListener = errors.New("listener failed to process message")
)

// RequestModifierFunc is a signature for HTTP request modifiers, it takes in the request and *Proxy
type RequestModifierFunc func(proxy *Proxy, req *http.Request) error

// ResponseModifierFunc is a signature for HTTP response modifiers, it takes in the response and *Proxy
type ResponseModifierFunc func(proxy *Proxy, res *http.Response) error

// reqAdapter adapts a RequestModifierFunc to martian.RequestModifier
type reqAdapter struct {
	proxy    *Proxy
	modifier RequestModifierFunc
}

// ModifyRequest implements the `martian.RequestModifier` interface and allows the modifier to access the *Proxy
func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	return adapter.modifier(adapter.proxy, req)
}

// resAdapter adapts a ResponseModifierFunc to martian.ResponseModifier
type resAdapter struct {
	proxy    *Proxy
	modifier ResponseModifierFunc
}

// ModifyResponse implements the `martian.ResponseModifier` interface and allows the modifier to access the *Proxy
func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	return adapter.modifier(adapter.proxy, res)
}

// ModifyRequest runs the request pipeline. ErrSkipPipeline ends the pipeline without an error.
func (proxy *Proxy) ModifyRequest(req *http.Request) error {
	err := proxy.Modifiers.ModifyRequest(req)
	if err == nil || errors.Is(err, ErrSkipPipeline) {
		return nil
	}
	proxy.Logger.Error().Str("scope", "PIPELINE").Err(err).Str("url", req.URL.String()).Msg("request modifier failed")
	return err
}

// ModifyResponse runs the response pipeline. ErrSkipPipeline ends the pipeline without an error.
func (proxy *Proxy) ModifyResponse(res *http.Response) error {
	err := proxy.Modifiers.ModifyResponse(res)
	if err == nil || errors.Is(err, ErrSkipPipeline) {
		return nil
	}
	proxy.Logger.Error().Str("scope", "PIPELINE").Err(err).Msg("response modifier failed")
	return err
}

// PreventLoopModifier skips processing a request if it is made to the proxy's own listener address and port, preventing an infinite loop
// It will normalize localhost & 127.0.0.1 when checking the host and port
func PreventLoopModifier(proxy *Proxy, req *http.Request) error {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
		if req.URL.Scheme == "https" || req.TLS != nil {
			port = "443"
		} else {
			port = "80"
		}
	}

	if host == "localhost" {
		host = "127.0.0.1"
	}

	listenerAddr := proxy.Addr
	if listenerAddr == "localhost" {
		listenerAddr = "127.0.0.1"
	}

	if host == listenerAddr && port == proxy.Port {
		if ctx := martian.NewContext(req); ctx != nil {
			ctx.SkipRoundTrip()
		}
		return ErrSkipPipeline
	}
	return nil
}

// SkipConnectRequestModifier will skip processing for CONNECT requests
func SkipConnectRequestModifier(proxy *Proxy, req *http.Request) error {
	if req.Method == http.MethodConnect {
		return ErrSkipPipeline
	}
	return nil
}

// SetupRequestModifier initializes the request context with a request ID, the request time and
// the martian session.
func SetupRequestModifier(proxy *Proxy, req *http.Request) error {
	*req = *core.ContextWithRequestTime(req, time.Now())

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating uuid for request : %w", err)
	}
	*req = *core.ContextWithRequestID(req, id)

	if ctx := martian.NewContext(req); ctx != nil {
		*req = *core.ContextWithSession(req, ctx.Session())
	}
	return nil
}

// InterceptRequestModifier hands the request to every registered listener. The destination
// before dispatch is kept in the context so that the response can be related to it.
func InterceptRequestModifier(proxy *Proxy, req *http.Request) error {
	msg := &requestMessage{req: req}
	original := msg.Service()
	*req = *core.ContextWithOriginalTarget(req, original)

	if err := proxy.dispatch(redirect.Request, msg); err != nil {
		return fmt.Errorf("%w : %w", ErrListener, err)
	}

	if current := msg.Service(); !current.Equal(original) {
		event := proxy.Logger.Debug().Str("scope", "PIPELINE").Str("from", original.URL()).Str("to", current.URL())
		options := []core.LogOption{
			core.LogWithSource("Redirector"),
			core.LogWithContext(map[string]any{"from": original.URL(), "to": current.URL(), "path": req.URL.Path}),
		}
		if id, ok := core.RequestIDFromContext(req.Context()); ok {
			event = event.Str("request_id", id.String())
			options = append(options, core.LogWithReqResID(id))
		}
		event.Msg("request redirected")

		if err := proxy.WriteLog("DEBUG", "request redirected", options...); err != nil && !errors.Is(err, ErrRepoUndefined) {
			proxy.Logger.Debug().Str("scope", "PIPELINE").Err(err).Msg("redirect log not persisted")
		}
	}
	return nil
}

// ResponseFilterModifier will skip processing for responses to CONNECT requests, responses
// where the skip flag was set, or SkipRoundTrip is true. It also records the response time.
func ResponseFilterModifier(proxy *Proxy, res *http.Response) error {
	if res.Request == nil || res.Request.Method == http.MethodConnect {
		return ErrSkipPipeline
	}
	if ctx := martian.NewContext(res.Request); ctx != nil && ctx.SkippingRoundTrip() {
		return ErrSkipPipeline
	}
	if skip, ok := core.SkipFlagFromContext(res.Request.Context()); ok && skip {
		return ErrSkipPipeline
	}
	res.Request = core.ContextWithResponseTime(res.Request, time.Now())
	return nil
}

// ObserveResponseModifier hands the response to every registered listener. Listeners only
// observe responses.
func ObserveResponseModifier(proxy *Proxy, res *http.Response) error {
	if err := proxy.dispatch(redirect.Response, &responseMessage{res: res}); err != nil {
		return fmt.Errorf("%w : %w", ErrListener, err)
	}
	return nil
}

// LogBodyResponseModifier writes the decoded and prettified response to the debug log when
// log_bodies is enabled. The body still reaches the client unchanged.
func LogBodyResponseModifier(proxy *Proxy, res *http.Response) error {
	if proxy.Config == nil || !proxy.Config.LogBodies {
		return nil
	}

	dump, err := rawhttp.DumpResponse(res)
	if err != nil {
		return fmt.Errorf("dumping response for log : %w", err)
	}

	event := proxy.Logger.Debug().Str("scope", "BODY").Str("url", res.Request.URL.String())
	if id, ok := core.RequestIDFromContext(res.Request.Context()); ok {
		event = event.Str("request_id", id.String())
	}
	if original, ok := core.OriginalTargetFromContext(res.Request.Context()); ok {
		event = event.Str("original", original.URL())
	}
	event.Msg(dump)
	return nil
}
