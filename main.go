// SPDX-License-Identifier: MIT
//
// Detour - a caching DNS forwarder racing its upstreams.
//

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"detour/api"
	"detour/config"
	"detour/dns"
	"detour/log"
	"detour/querylog"
	"detour/stats"
)

var (
	version   string // set by build flags
	buildDate string // set by build flags
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func main() {
	var upstreams listFlag
	configFile := flag.String("config", "", "config file (JSON, or YAML by extension) or its directory")
	initDir := flag.String("init", "", "write the default config file into the directory and exit")
	addr := flag.String("addr", "", "DNS listening address (overrides config)")
	port := flag.Int("port", 0, "DNS listening UDP+TCP port (overrides config)")
	flag.Var(&upstreams, "upstream", "upstream server (repeatable; overrides config)")
	verbose := flag.Bool("verbose", false, "log every query")
	logLevel := flag.String("log-level", "", "log level: debug/info/notice/warn/error (overrides config)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	config.SetVersion(&config.VersionInfo{Version: version, Date: buildDate})
	if *showVersion {
		fmt.Printf("detour %s\n", config.GetVersion())
		os.Exit(0)
	}

	if *initDir != "" {
		if err := config.Initialize(*initDir); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	conf, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Flags override the config file.
	if *addr != "" {
		conf.ListenAddr = *addr
	}
	if *port != 0 {
		if *port < 0 || *port > 65535 {
			log.Fatalf("invalid port: %d", *port)
		}
		conf.ListenPort = uint16(*port)
	}
	if len(upstreams) > 0 {
		conf.Upstreams = upstreams
	}
	if *verbose {
		conf.Verbose = true
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}

	if err := conf.Resolve(); err != nil {
		log.Fatalf("%v", err)
	}
	log.SetLevelString(conf.LogLevel)
	log.Infof("detour %s; log level [%s]", config.GetVersion(), log.GetLevel())

	bl, err := conf.LoadBlocklist()
	if err != nil {
		log.Fatalf("failed to load blocklist: %v", err)
	}
	log.Infof("blocklist: %d rules; policy: %s", bl.Len(), conf.BlockPolicy)

	st := stats.New()
	sinks := dns.MultiSink{dns.LogSink{Verbose: conf.Verbose}, st}

	var ql *querylog.QueryLog
	if conf.QueryLog != "" {
		ql, err = querylog.Open(conf.Path(conf.QueryLog), querylog.Options{
			Retention: conf.QueryLogRetention.Value(),
		})
		if err != nil {
			log.Fatalf("failed to open query log: %v", err)
		}
		sinks = append(sinks, ql)
	}

	resolver := dns.NewResolver(conf.ResolverOptions(bl, sinks))
	for _, u := range conf.UpstreamServers {
		log.Infof("upstream: %s", u)
	}

	forwarder := &dns.Forwarder{}
	if err := forwarder.SetListen(conf.ListenAddr, conf.ListenPort); err != nil {
		log.Fatalf("%v", err)
	}
	forwarder.Listen.ReusePort = conf.ReusePort
	forwarder.SetResolver(resolver)
	if err := forwarder.Start(); err != nil {
		log.Fatalf("failed to start forwarder: %v", err)
	}

	var httpServer *http.Server
	if conf.ApiPort != 0 {
		listen := net.JoinHostPort(conf.ApiAddr, strconv.Itoa(int(conf.ApiPort)))
		httpServer = &http.Server{
			Addr: listen,
			Handler: api.NewApiHandler(&api.Options{
				Resolver: resolver,
				Stats:    st,
				QueryLog: ql,
				Version:  config.GetVersion(),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("HTTP API: http://%s", listen)
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("HTTP server failed: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if interval := conf.StatsInterval.Value(); interval > 0 {
		go reportStats(ctx, st, interval)
	}

	<-ctx.Done()
	log.Noticef("shutting down ...")

	forwarder.Stop()
	if httpServer != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Warnf("HTTP server shutdown: %v", err)
		}
		cancel()
	}
	if ql != nil {
		if err := ql.Close(); err != nil {
			log.Warnf("failed to close query log: %v", err)
		}
	}
	resolver.Close()
	log.Infof("totals: %s", st.Snapshot())
}

// reportStats logs the counters of each interval.
func reportStats(ctx context.Context, st *stats.Stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Infof("stats (last %s): %s", interval, st.SnapshotAndReset())
		}
	}
}
