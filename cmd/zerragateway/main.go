// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/valyala/fasthttp"

	zerra "github.com/szawaski/Zerra-sub009"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:0", "the address the HTTP server should listen on")
	printURL := flag.Bool("printurl", false, "print the listen URL on stdout")
	useFastHTTP := flag.Bool("fasthttp", false, "serve with valyala/fasthttp instead of net/http (no websockets)")
	netLog := flag.Bool("netlog", false, "log every forwarded request")
	framing := flag.String("framing", "raw", "upstream framing, raw or http")
	compress := flag.Bool("compress", false, "compress upstream bodies with zstd")
	secret := flag.String("secret", "", "encrypt upstream bodies with a key derived from this secret")
	origins := flag.String("origins", "", "comma separated origins allowed for CORS and websockets, * for all")

	flag.Parse()

	args := flag.Args()

	if len(args) < 1 {
		log.Fatal("missing required argument: address:port of upstream zerra server")
	}

	level := slog.LevelInfo
	if *netLog {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	g := zerra.NewGateway(args[0])
	defer g.Close()
	g.Logger = logger
	g.Client.Logger = logger
	g.Client.Compression = *compress
	if *secret != "" {
		g.Client.Encryptor = zerra.NewAESEncryptorFromSecret(*secret)
	}
	if *origins != "" {
		g.AllowOrigins = strings.Split(*origins, ",")
	}
	var err error
	if g.Client.Framing, err = zerra.ParseFraming(*framing); err != nil {
		log.Fatal(err)
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatal(err)
	}
	defer ln.Close()

	if *printURL {
		fmt.Fprintf(os.Stdout, "http://%s/\n", ln.Addr().String())
	}
	logger.Info("gateway listening", "addr", ln.Addr().String(), "upstream", args[0], "fasthttp", *useFastHTTP)

	if *useFastHTTP {
		fs := &fasthttp.Server{
			Handler:            g.HandleFastHTTP,
			MaxRequestBodySize: zerra.DefaultGatewayMaxBodySize,
			StreamRequestBody:  false,
		}
		err = fs.Serve(ln)
	} else {
		hs := &http.Server{
			Addr:    ln.Addr().String(),
			Handler: g,
		}
		defer hs.Close()
		err = hs.Serve(ln)
	}
	if err != nil {
		log.Fatalln(err)
	}
}
