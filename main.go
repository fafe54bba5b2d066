package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type config struct {
	origin        string
	greeting      string
	busCapacity   int
	sessionTTL    time.Duration
	secureCookies bool
	pingPeriod    time.Duration
}

func defaultConfig() config {
	return config{
		greeting:      "Welcome to cavalier. Everything you type here is live.",
		busCapacity:   defaultBusCapacity,
		sessionTTL:    defaultSessionTTL,
		secureCookies: secureCookies,
		pingPeriod:    pingPeriod,
	}
}

func main() {
	// Prepare the stoppable HTTP server
	server := &http.Server{
		Addr:              defaultAddr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	hd := &httpdown.HTTP{
		StopTimeout: 10 * time.Second,
		KillTimeout: 1 * time.Second,
	}
	cfg := defaultConfig()

	flag.StringVar(&server.Addr, "addr", server.Addr, "http service address")
	flag.DurationVar(&hd.StopTimeout, "stop-timeout", hd.StopTimeout, "stop timeout")
	flag.DurationVar(&hd.KillTimeout, "kill-timeout", hd.KillTimeout, "kill timeout")
	flag.StringVar(&cfg.origin, "origin", cfg.origin, "websocket server checks Origin headers against this scheme://host[:port]")
	flag.StringVar(&cfg.greeting, "greeting", cfg.greeting, "text of the message seeded at startup, empty for none")
	flag.IntVar(&cfg.busCapacity, "bus.capacity", cfg.busCapacity, "values each broadcast bus retains for slow subscribers")
	flag.DurationVar(&cfg.sessionTTL, "session.ttl", cfg.sessionTTL, "session inactivity expiry")
	logLevel := flag.String("log.level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log.json", false, "log as JSON")
	mdnsName := flag.String("mdns", "", "advertise on the LAN via mDNS under this instance name")
	flag.Parse()

	if err := setupLogging(*logLevel, *logJSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	startMetrics()
	defer finalMetrics()

	h := newHub(cfg)
	defer h.stop()

	if *mdnsName != "" {
		zc, err := advertise(*mdnsName, server.Addr)
		if err != nil {
			log.WithError(err).Fatal("mdns")
		}
		defer zc.Shutdown()
	}

	// Start the server
	server.Handler = newHandler(h, cfg.origin)
	log.WithField("addr", server.Addr).Info("listening")
	if err := httpdown.ListenAndServe(server, hd); err != nil {
		log.WithError(err).Error("server stopped")
	}
}

func newHandler(h *hub, origin string) http.Handler {
	up := newUpgrader(origin)

	handler := mux.NewRouter()
	handler.Use(logRequests)
	handler.Handle("/debug/metrics", metricsHandler()).Methods(http.MethodGet)
	api := handler.PathPrefix(apiPrefix).Subrouter()

	// JSON API
	api.Handle("/msg/get", msgGetHandler{h: h}).Methods(http.MethodGet)
	api.Handle("/msg/new", msgNewHandler{h: h})
	api.Handle("/session/new", sessionNewHandler{h: h})
	api.Handle("/test", testPageHandler{}).Methods(http.MethodGet)

	// Websockets
	api.Handle("/ws/events", eventsWsHandler{h: h, up: up})
	api.Handle("/ws/key", keyWsHandler{h: h, up: up})

	return handler
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path, "remote": r.RemoteAddr}).Debug("request")
		next.ServeHTTP(w, r)
	})
}

func setupLogging(level string, json bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("-log.level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if json {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
