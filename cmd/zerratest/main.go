// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	zerra "github.com/szawaski/Zerra-sub009"
)

type settings struct {
	framing  zerra.Framing
	compress bool
	secret   string
	logger   *slog.Logger
}

func (s *settings) encryptor() zerra.Encryptor {
	if s.secret == "" {
		return nil
	}
	return zerra.NewAESEncryptorFromSecret(s.secret)
}

func echoHandlers() *zerra.HandlerTable {
	t := zerra.NewHandlerTable()
	err := t.RegisterQuery("Echo", 0, map[string]zerra.QueryMethod{
		"Echo": zerra.Query1(func(ctx context.Context, b []byte) ([]byte, error) {
			return b, nil
		}),
		"Repeat": zerra.QueryStream1(func(ctx context.Context, b []byte) (io.Reader, error) {
			return bytes.NewReader(bytes.Repeat(b, 1024)), nil
		}),
	})
	if err != nil {
		log.Fatal(err)
	}
	return t
}

func serve(addr string, s *settings) {
	srv := zerra.NewServer(addr, echoHandlers())
	srv.Framing = s.framing
	srv.Compression = s.compress
	srv.Encryptor = s.encryptor()
	srv.Logger = s.logger
	if err := srv.Open(); err != nil {
		log.Fatal(err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		<-sigs
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("shutdown", "err", err)
		}
	}()

	for _, a := range srv.Addrs() {
		fmt.Fprintf(os.Stdout, "%s\n", a.String())
	}
	if err := srv.Serve(); err != nil && err != zerra.ErrServerClosed {
		log.Fatal(err)
	}
	for k, v := range srv.ServeErrors() {
		fmt.Printf("serve error %q: %d\n", k, v)
	}
	fmt.Printf("read %d bytes, wrote %d bytes\n", srv.BytesRead(), srv.BytesWritten())
}

type echoTester struct {
	Client     *zerra.Client
	calls      int64
	mismatches int64
	failures   int64
}

func (e *echoTester) echo(ctx context.Context, payload []byte) {
	atomic.AddInt64(&e.calls, 1)
	var actual []byte
	if err := e.Client.Call(ctx, "Echo", "Echo", &actual, payload); err != nil {
		atomic.AddInt64(&e.failures, 1)
		fmt.Printf("echo failed: %v\n", err)
		return
	}
	if !bytes.Equal(payload, actual) {
		atomic.AddInt64(&e.mismatches, 1)
		fmt.Printf("expect %d bytes, actual %d bytes\n", len(payload), len(actual))
	}
}

func (e *echoTester) repeat(ctx context.Context, payload []byte) {
	atomic.AddInt64(&e.calls, 1)
	rc, err := e.Client.CallStream(ctx, "Echo", "Repeat", payload)
	if err != nil {
		atomic.AddInt64(&e.failures, 1)
		fmt.Printf("repeat failed: %v\n", err)
		return
	}
	defer rc.Close()
	actual, err := io.ReadAll(rc)
	if err != nil {
		atomic.AddInt64(&e.failures, 1)
		fmt.Printf("repeat read failed: %v\n", err)
		return
	}
	if !bytes.Equal(bytes.Repeat(payload, 1024), actual) {
		atomic.AddInt64(&e.mismatches, 1)
		fmt.Printf("repeat: expect %d bytes, actual %d bytes\n", len(payload)*1024, len(actual))
	}
}

func main() {
	doServe := flag.Bool("serve", false, "run an echo server instead of the tester")
	count := flag.Int("n", 1000, "number of echo calls")
	workers := flag.Int("c", 8, "concurrent callers")
	size := flag.Int("size", 1024, "echo payload size in bytes")
	stream := flag.Bool("stream", false, "use the streaming Repeat method")
	framing := flag.String("framing", "raw", "framing, raw or http")
	compress := flag.Bool("compress", false, "compress bodies with zstd")
	secret := flag.String("secret", "", "encrypt bodies with a key derived from this secret")
	netLog := flag.Bool("netlog", false, "debug logging")

	flag.Parse()

	args := flag.Args()

	if len(args) < 1 {
		log.Fatal("missing required argument: address:port of zerra server")
	}
	addr := args[0]

	level := slog.LevelInfo
	if *netLog {
		level = slog.LevelDebug
	}
	s := &settings{
		compress: *compress,
		secret:   *secret,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
	var err error
	if s.framing, err = zerra.ParseFraming(*framing); err != nil {
		log.Fatal(err)
	}

	if *doServe {
		serve(addr, s)
		return
	}

	client := zerra.NewClient(addr)
	defer client.Close()
	client.Framing = s.framing
	client.Compression = s.compress
	client.Encryptor = s.encryptor()
	client.Logger = s.logger
	client.Source = "zerratest"

	et := &echoTester{Client: client}
	payload := bytes.Repeat([]byte("foobar! "), *size/8+1)[:*size]

	started := time.Now()
	work := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				if *stream {
					et.repeat(context.Background(), payload)
				} else {
					et.echo(context.Background(), payload)
				}
			}
		}()
	}
	for i := 0; i < *count; i++ {
		work <- struct{}{}
	}
	close(work)
	wg.Wait()

	elapsed := time.Since(started)
	fmt.Printf("%d calls in %v (%.0f/s), %d failures, %d mismatches\n",
		et.calls, elapsed, float64(et.calls)/elapsed.Seconds(), et.failures, et.mismatches)
	if et.failures > 0 || et.mismatches > 0 {
		os.Exit(1)
	}
}
