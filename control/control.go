// Package control exposes the acquisition loop over HTTP and streams run events to websocket
// clients.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/hb9tf/spectran/acquisition"
	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/drivers"
	"github.com/hb9tf/spectran/export"
)

// Controller owns the pending configuration and the acquisition loop of one instrument.
type Controller struct {
	loop *acquisition.Loop
	hub  *Hub
	opts drivers.Options

	mu        sync.Mutex
	cfg       daq.Config
	instances map[string]daq.Driver
	run       *acquisition.Run
}

func New(opts drivers.Options) *Controller {
	return &Controller{
		loop:      acquisition.NewLoop(nil),
		hub:       NewHub(),
		opts:      opts,
		cfg:       daq.DefaultConfig(),
		instances: map[string]daq.Driver{},
	}
}

func (c *Controller) Loop() *acquisition.Loop {
	return c.loop
}

func (c *Controller) Hub() *Hub {
	return c.hub
}

// Config returns the configuration the next run will use.
func (c *Controller) Config() daq.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Close stops a running measurement and releases the drivers.
func (c *Controller) Close() error {
	c.loop.Stop()
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run != nil {
		<-run.Done()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, d := range c.instances {
		if closer, ok := d.(daq.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// driver returns the cached instance of the named driver, creating it on first use.
func (c *Controller) driver(name string) (daq.Driver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.instances[name]; ok {
		return d, nil
	}
	d, err := drivers.New(name, c.opts)
	if err != nil {
		return nil, err
	}
	c.instances[name] = d
	return d, nil
}

// Router returns the HTTP API.
func (c *Controller) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/alive", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"message": "API Server Running"})
	})

	r.GET("/drivers", c.listDrivers)
	r.GET("/devices", c.listDevices)
	r.POST("/connect_device", c.connectDevice)
	r.GET("/ports", c.listPorts)
	r.GET("/terminal_configs", c.listTerminalConfigs)
	r.GET("/properties", c.properties)

	r.GET("/config", c.getConfig)
	r.POST("/config", c.setConfig)

	r.POST("/start_measurement", c.startMeasurement)
	r.POST("/stop_measurement", c.stopMeasurement)
	r.GET("/running", c.running)
	r.GET("/state", c.state)
	r.POST("/enable_plotting", c.enablePlotting)
	r.POST("/save_file", c.saveFile)

	r.GET("/ws", gin.WrapH(c.hub))
	return r
}

// statusOf maps the error kinds to HTTP status codes.
func statusOf(err error) int {
	switch daq.KindOf(err) {
	case daq.KindNotReady, daq.KindNoDevice, daq.KindAlreadyRunning:
		return http.StatusConflict
	case daq.KindInvalidConfiguration:
		return http.StatusBadRequest
	case daq.KindNoData:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func fail(ctx *gin.Context, prefix string, err error) {
	glog.Warningf("%s: %s", prefix, err)
	ctx.JSON(statusOf(err), gin.H{
		"message": fmt.Sprintf("%s: %s", prefix, err),
		"kind":    daq.KindOf(err).String(),
	})
}

func (c *Controller) listDrivers(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"message": drivers.Names()})
}

func (c *Controller) listDevices(ctx *gin.Context) {
	name := ctx.Query("driver")
	var d daq.Driver
	if name == "" {
		d = c.loop.Driver()
	} else {
		var err error
		if d, err = c.driver(name); err != nil {
			fail(ctx, "Listing devices failed", err)
			return
		}
	}
	if d == nil {
		fail(ctx, "Listing devices failed", daq.ErrNotReady)
		return
	}
	devices, err := d.ListDevices()
	if err != nil {
		fail(ctx, "Listing devices failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": devices})
}

type connectRequest struct {
	Driver string `json:"driver"`
	Device string `json:"device"`
}

func (c *Controller) connectDevice(ctx *gin.Context) {
	var req connectRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		fail(ctx, "Connecting failed", fmt.Errorf("%s: %w", err, daq.ErrInvalidConfiguration))
		return
	}
	if c.loop.State().Active() {
		fail(ctx, "Connecting failed", daq.ErrAlreadyRunning)
		return
	}
	d, err := c.driver(req.Driver)
	if err != nil {
		fail(ctx, "Connecting failed", err)
		return
	}
	if err := d.Connect(req.Device); err != nil {
		fail(ctx, "Connecting failed", err)
		return
	}
	if err := c.loop.SetDriver(d); err != nil {
		fail(ctx, "Connecting failed", err)
		return
	}
	glog.Infof("Connected to %s on %s", req.Device, req.Driver)
	ctx.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Connected to %s on %s", req.Device, req.Driver)})
}

func (c *Controller) connected(ctx *gin.Context, prefix string) (daq.Driver, bool) {
	d := c.loop.Driver()
	if d == nil {
		fail(ctx, prefix, daq.ErrNotReady)
		return nil, false
	}
	if d.ConnectedDevice() == "" {
		fail(ctx, prefix, daq.ErrNoDevice)
		return nil, false
	}
	return d, true
}

func (c *Controller) listPorts(ctx *gin.Context) {
	d, ok := c.connected(ctx, "Listing ports failed")
	if !ok {
		return
	}
	ports, err := d.ListPorts()
	if err != nil {
		fail(ctx, "Listing ports failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": ports})
}

func (c *Controller) listTerminalConfigs(ctx *gin.Context) {
	d, ok := c.connected(ctx, "Listing terminal configs failed")
	if !ok {
		return
	}
	configs, def := d.ListTerminalConfigs()
	ctx.JSON(http.StatusOK, gin.H{"message": configs, "default": def})
}

func (c *Controller) properties(ctx *gin.Context) {
	d, ok := c.connected(ctx, "Reading properties failed")
	if !ok {
		return
	}
	props, err := d.Properties()
	if err != nil {
		fail(ctx, "Reading properties failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": props})
}

func (c *Controller) getConfig(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"message": c.Config()})
}

// setConfig merges the posted fields into the pending configuration. An invalid result is
// rejected as a whole. Concurrent posts are merged one after the other.
func (c *Controller) setConfig(ctx *gin.Context) {
	body, err := ctx.GetRawData()
	if err != nil {
		fail(ctx, "Configuration failed", fmt.Errorf("%s: %w", err, daq.ErrInvalidConfiguration))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cfg
	if err := json.Unmarshal(body, &next); err != nil {
		fail(ctx, "Configuration failed", fmt.Errorf("%s: %w", err, daq.ErrInvalidConfiguration))
		return
	}
	if err := next.Validate(); err != nil {
		fail(ctx, "Configuration failed", err)
		return
	}
	next.SessionID = ""
	next.Realized = daq.Realized{}
	c.cfg = next
	ctx.JSON(http.StatusOK, gin.H{"message": next})
}

func (c *Controller) startMeasurement(ctx *gin.Context) {
	run, err := c.loop.Start(context.Background(), c.Config())
	if err != nil {
		fail(ctx, "Measurement failed", err)
		return
	}
	c.mu.Lock()
	c.run = run
	c.mu.Unlock()

	c.hub.setSession(run.ID())
	go func() {
		if err := acquisition.Dispatch(context.Background(), run.Events(), c.hub); err != nil {
			glog.Warningf("dispatching events of %s: %s", run.ID(), err)
		}
	}()
	ctx.JSON(http.StatusOK, gin.H{"message": "Measurement started", "session_id": run.ID()})
}

func (c *Controller) stopMeasurement(ctx *gin.Context) {
	c.loop.Stop()
	ctx.JSON(http.StatusOK, gin.H{"message": "Measurement stopped"})
}

func (c *Controller) running(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"message": c.loop.State().Active()})
}

func (c *Controller) state(ctx *gin.Context) {
	buf := c.loop.Buffer()
	ctx.JSON(http.StatusOK, gin.H{
		"message":    c.loop.State().String(),
		"session_id": c.loop.Config().SessionID,
		"rows":       buf.Rows(),
		"filled":     buf.FilledCount(),
		"done":       buf.DoneCount(),
		"spectrum":   c.loop.SpectrumEnabled(),
		"signal":     c.hub.SignalEnabled(),
		"clients":    c.hub.Clients(),
	})
}

type plottingRequest struct {
	Signal   *bool `json:"signal"`
	Spectrum *bool `json:"spectrum"`
}

func (c *Controller) enablePlotting(ctx *gin.Context) {
	var req plottingRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		fail(ctx, "Plotting toggle failed", fmt.Errorf("%s: %w", err, daq.ErrInvalidConfiguration))
		return
	}
	if req.Signal != nil {
		c.hub.SetSignalEnabled(*req.Signal)
	}
	if req.Spectrum != nil {
		c.loop.SetSpectrumEnabled(*req.Spectrum)
	}
	ctx.JSON(http.StatusOK, gin.H{"message": gin.H{
		"signal":   c.hub.SignalEnabled(),
		"spectrum": c.loop.SpectrumEnabled(),
	}})
}

type saveRequest struct {
	Path   string `json:"file_path"`
	Format string `json:"format"`
	export.Options
}

// formatFor picks the export format from the file extension, text if it is not recognized.
func formatFor(path string) export.Format {
	ext := strings.ToLower(filepath.Ext(path))
	for _, f := range export.Formats {
		if ext != "" && f.Extension() == ext {
			return f
		}
	}
	if ext == ".db" {
		return export.SQLite
	}
	return export.Text
}

func (c *Controller) saveFile(ctx *gin.Context) {
	var req saveRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		fail(ctx, "Saving failed", fmt.Errorf("%s: %w", err, daq.ErrInvalidConfiguration))
		return
	}
	if c.loop.State().Active() {
		fail(ctx, "Saving failed", fmt.Errorf("measurement is still running, stop it first: %w", daq.ErrAlreadyRunning))
		return
	}
	format := formatFor(req.Path)
	if req.Format != "" {
		var err error
		if format, err = export.ParseFormat(req.Format); err != nil {
			fail(ctx, "Saving failed", err)
			return
		}
	}
	session, err := export.FromBuffer(c.loop.Config(), c.loop.Buffer())
	if err != nil {
		fail(ctx, "Saving failed", err)
		return
	}
	if err := export.Save(ctx.Request.Context(), format, req.Path, session, req.Options); err != nil {
		fail(ctx, "Saving failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Data saved to %s", req.Path)})
}
