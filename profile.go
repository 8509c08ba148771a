/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"net/http/pprof"

	"github.com/julienschmidt/httprouter"
)

func registerProfileHandlers(mux *httprouter.Router) {
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.GET("/pprof/"+name, loopback(handler(pprof.Handler(name))))
	}

	mux.GET("/pprof/cmdline", loopback(handler(http.HandlerFunc(pprof.Cmdline))))
	mux.GET("/pprof/profile", loopback(handler(http.HandlerFunc(pprof.Profile))))
	mux.GET("/pprof/symbol", loopback(handler(http.HandlerFunc(pprof.Symbol))))
	mux.GET("/pprof/trace", loopback(handler(http.HandlerFunc(pprof.Trace))))
}
