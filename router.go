package cerver

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime"
	"sort"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
)

// AnyRequest registers a handler for every request type of a packet type.
const AnyRequest = ^uint32(0)

func newRouter(multipleHandlers bool, log *logrus.Entry) *Router {
	return &Router{multipleHandlers: multipleHandlers, log: log}
}

// Router is a router for incoming packets.
// Router routes the packet to its handler and middlewares.
type Router struct {
	// handlerMapper maps routeKey to handler.
	// Handler will be called around middlewares.
	handlerMapper sync.Map

	// middlewaresMapper maps routeKey to a list of middlewares.
	// These middlewares will be called before the handler in handlerMapper.
	middlewaresMapper sync.Map

	// globalMiddlewares is a list of MiddlewareFunc.
	// globalMiddlewares will be called before the ones in middlewaresMapper.
	globalMiddlewares []MiddlewareFunc

	notFoundHandler HandlerFunc

	// multipleHandlers makes the handler id select among application handler sets.
	multipleHandlers bool

	log *logrus.Entry
}

// routeKey identifies a route. request is AnyRequest for type wide routes.
type routeKey struct {
	packetType PacketType
	handlerID  uint8
	request    uint32
}

func (k routeKey) String() string {
	req := fmt.Sprintf("%d", k.request)
	if k.request == AnyRequest {
		req = "*"
	}
	return fmt.Sprintf("%s/%d/%s", k.packetType, k.handlerID, req)
}

// HandlerFunc is the function type for handlers.
type HandlerFunc func(ctx Context)

// MiddlewareFunc is the function type for middlewares.
// A common pattern is like:
//
//	var mf MiddlewareFunc = func(next HandlerFunc) HandlerFunc {
//		return func(ctx Context) {
//			next(ctx)
//		}
//	}
type MiddlewareFunc func(next HandlerFunc) HandlerFunc

var nilHandler HandlerFunc = func(ctx Context) {}

// appHandlerType reports whether the handler id selects a handler set for t.
func appHandlerType(t PacketType) bool {
	return t == PacketTypeApp || t == PacketTypeAppError || t == PacketTypeCustom
}

func (r *Router) key(t PacketType, handlerID uint8, request uint32) routeKey {
	if !r.multipleHandlers || !appHandlerType(t) {
		handlerID = 0
	}
	return routeKey{packetType: t, handlerID: handlerID, request: request}
}

// lookup finds the route of header, an exact request match winning over a type wide one.
func (r *Router) lookup(header PacketHeader) (routeKey, HandlerFunc, bool) {
	exact := r.key(header.PacketType, header.HandlerID, header.RequestType)
	if v, has := r.handlerMapper.Load(exact); has {
		return exact, v.(HandlerFunc), true
	}
	wide := r.key(header.PacketType, header.HandlerID, AnyRequest)
	if v, has := r.handlerMapper.Load(wide); has {
		return wide, v.(HandlerFunc), true
	}
	return exact, nil, false
}

// handleRequest routes ctx's packet through the middlewares to its handler
// and sends the response the handler set, if any.
// Returns false when no route matched; the not-found handler, if any, has run then.
func (r *Router) handleRequest(ctx Context) bool {
	key, handler, found := r.lookup(ctx.Packet().Header())

	var mws = r.globalMiddlewares
	if found {
		if v, has := r.middlewaresMapper.Load(key); has {
			routeMws := v.([]MiddlewareFunc)
			mws = make([]MiddlewareFunc, 0, len(r.globalMiddlewares)+len(routeMws))
			mws = append(mws, r.globalMiddlewares...)
			mws = append(mws, routeMws...) // append to global ones
		}
	}

	// create the handlers stack
	wrapped := r.wrapHandlers(handler, mws)

	// and call the handlers stack
	wrapped(ctx)

	if ctx.Response() != nil && !ctx.Send() && r.log != nil {
		r.log.WithField("route", key).Warn("send response failed")
	}
	return found
}

// wrapHandlers wraps handler and middlewares into a right order call stack.
// Makes something like:
//
//	var wrapped HandlerFunc = m1(m2(m3(handle)))
func (r *Router) wrapHandlers(handler HandlerFunc, middles []MiddlewareFunc) (wrapped HandlerFunc) {
	if handler == nil {
		handler = r.notFoundHandler
	}
	if handler == nil {
		handler = nilHandler
	}
	wrapped = handler
	for i := len(middles) - 1; i >= 0; i-- {
		m := middles[i]
		wrapped = m(wrapped)
	}
	return wrapped
}

// register stores handler and middlewares for key.
func (r *Router) register(key routeKey, h HandlerFunc, m ...MiddlewareFunc) {
	if h != nil {
		r.handlerMapper.Store(key, h)
	}
	ms := make([]MiddlewareFunc, 0, len(m))
	for _, mm := range m {
		if mm != nil {
			ms = append(ms, mm)
		}
	}
	if len(ms) != 0 {
		r.middlewaresMapper.Store(key, ms)
	}
}

// registerMiddleware stores the global middlewares.
func (r *Router) registerMiddleware(m ...MiddlewareFunc) {
	for _, mm := range m {
		if mm != nil {
			r.globalMiddlewares = append(r.globalMiddlewares, mm)
		}
	}
}

func (r *Router) setNotFoundHandler(handler HandlerFunc) {
	r.notFoundHandler = handler
}

// printHandlers prints registered route handlers to stdout.
func (r *Router) printHandlers(addr string) {
	r.writeHandlers(os.Stdout, addr)
}

func (r *Router) writeHandlers(w io.Writer, addr string) {
	type row struct {
		key  routeKey
		name string
	}
	var rows []row
	r.handlerMapper.Range(func(key, value interface{}) bool {
		name := runtime.FuncForPC(reflect.ValueOf(value.(HandlerFunc)).Pointer()).Name()
		rows = append(rows, row{key: key.(routeKey), name: name})
		return true
	})
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].key, rows[j].key
		if a.packetType != b.packetType {
			return a.packetType < b.packetType
		}
		if a.handlerID != b.handlerID {
			return a.handlerID < b.handlerID
		}
		return a.request < b.request
	})

	fmt.Fprintf(w, "\n[CERVER ROUTE TABLE]:\n")
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Packet Type", "Handler ID", "Request Type", "Route Handler"})
	table.SetAutoFormatHeaders(false)
	for _, rr := range rows {
		req := fmt.Sprintf("%d", rr.key.request)
		if rr.key.request == AnyRequest {
			req = "*"
		}
		table.Append([]string{rr.key.packetType.String(), fmt.Sprintf("%d", rr.key.handlerID), req, rr.name})
	}
	table.Render()
	fmt.Fprintf(w, "[CERVER] Serving at: %s\n\n", addr)
}
