package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agridata/refdata/go/eppo"
	"github.com/agridata/refdata/go/eusub"
	"github.com/agridata/refdata/go/httpapi"
	"github.com/agridata/refdata/go/provider"
)

// Config is the top-level configuration object of the reference-data
// server. Every field is also settable through the environment; the
// required ones abort startup when missing.
var Config = new(struct {
	Port    int    `long:"port" env:"PORT" required:"true" description:"HTTP listening port"`
	DataDir string `long:"data-dir" env:"DATA_DIR" required:"true" description:"Root data directory"`

	EPPO struct {
		APIURL string `long:"api-url" env:"EPPO_API_URL" required:"true" description:"EPPO dataset-list API URL"`
		APIKey string `long:"api-key" env:"EPPO_API_KEY" required:"true" description:"EPPO API key"`
		Types  string `long:"types" env:"EPPO_TYPES" required:"true" description:"Comma-separated allow-list of code types"`
	} `group:"EPPO" namespace:"eppo"`

	EU struct {
		URL string `long:"url" env:"EU_URL" required:"true" description:"EU active-substance export URL"`
	} `group:"EU" namespace:"eu"`

	Log struct {
		Level string `long:"level" env:"LOG_LEVEL" default:"info" description:"Logging level"`
	} `group:"Logging" namespace:"log"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	if level, err := log.ParseLevel(Config.Log.Level); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	} else {
		log.SetLevel(level)
	}

	log.WithFields(log.Fields{
		"port":    Config.Port,
		"dataDir": Config.DataDir,
	}).Info("starting refdata-server")

	var eppoDir = filepath.Join(Config.DataDir, "eppo")
	var euDir = filepath.Join(Config.DataDir, "eu")
	for _, dir := range []string{eppoDir, euDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}

	var types []string
	for _, t := range strings.Split(Config.EPPO.Types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	// Refresh schedules are deliberately staggered so the two providers
	// never contend for locks at the same wall clock.
	var eppoCoord = provider.New(
		eppo.NewDriver(Config.EPPO.APIURL, Config.EPPO.APIKey, types),
		provider.Config{Dir: eppoDir, RefreshDay: time.Sunday, RefreshHour: 2},
	)
	var euCoord = provider.New(
		eusub.NewDriver(Config.EU.URL),
		provider.Config{Dir: euDir, RefreshDay: time.Sunday, RefreshHour: 3},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var root = chi.NewRouter()
	root.Use(httpapi.RejectProxied)
	root.Mount("/eppo", httpapi.EPPORoutes(eppoCoord))
	root.Mount("/eu", httpapi.EURoutes(euCoord))
	root.Handle("/metrics", promhttp.Handler())

	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Port),
		Handler: root,
	}

	var group, groupCtx = errgroup.WithContext(ctx)

	// Initialisation can involve a full fetch and build; the query
	// surface comes up immediately and answers "not ready" meanwhile.
	for _, coord := range []*provider.Coordinator{eppoCoord, euCoord} {
		var coord = coord
		group.Go(func() error {
			if err := coord.Init(groupCtx); err != nil {
				log.WithFields(log.Fields{
					"provider": coord.Status().Provider,
					"err":      err,
				}).Error("provider initialisation incomplete; queries answer not-ready until the next refresh")
			}
			return nil
		})
	}

	group.Go(func() error {
		log.WithField("addr", srv.Addr).Info("serving")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the reference-data query API", `
Serve the EPPO and EU reference-data query API with the provided
configuration, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
