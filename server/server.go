package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/hb9tf/spectran/control"
	"github.com/hb9tf/spectran/drivers"
)

var (
	listen   = flag.String("listen", ":8443", "")
	certFile = flag.String("certFile", "", "Path of the file containing the certificate (including the chained intermediates and root) for the TLS connection.")
	keyFile  = flag.String("keyFile", "", "Path of the file containing the key for the TLS connection.")

	// Drivers
	seed     = flag.Int64("seed", 0, "Seed of the simulated driver, 0 to seed from the clock.")
	realtime = flag.Bool("realtime", true, "Pace the simulated driver to the configured duration.")
	baud     = flag.Int("baud", 115200, "Baud rate of the serial ADC.")
	debug    = flag.Bool("debug", false, "Run gin in debug mode.")
)

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctl := control.New(drivers.Options{
		Seed:     *seed,
		Realtime: *realtime,
		Baud:     *baud,
	})
	server := &http.Server{
		Addr:    *listen,
		Handler: ctl.Router(),
	}

	go func() {
		var err error
		if *certFile != "" || *keyFile != "" {
			err = server.ListenAndServeTLS(*certFile, *keyFile)
		} else {
			glog.Infoln("Resorting to serving HTTP because there was no certificate and key defined.")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Exit(err)
		}
	}()
	glog.Infof("Control API listening on %s", *listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	glog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		glog.Warningf("unable to shut down cleanly: %s", err)
	}
	if err := ctl.Close(); err != nil {
		glog.Warningf("unable to release drivers: %s", err)
	}
}
