// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	nl "github.com/mlnoga/ifglight/internal"
	"github.com/mlnoga/ifglight/internal/clahe"
	"github.com/mlnoga/ifglight/internal/enhance"
	"github.com/mlnoga/ifglight/internal/ops"
	_ "github.com/mlnoga/ifglight/internal/ops/stretch" // registers the contrast operators
	"github.com/mlnoga/ifglight/internal/raster"
	"github.com/mlnoga/ifglight/web"
)

// Response header carrying the exponent selected by the IFG search
const HeaderK = "X-IFG-K"

// Maximum size of multipart forms held in memory
const maxMultipartMemory = 64 << 20

// Memory held per pixel by /metrics: the decoded upload plus its luma plane
const metricsBytesPerPixel = 16

// Memory budget if the physical memory size is unknown
const fallbackMemoryBudget = 1 << 30

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.DurationFieldInteger = true
}

type server struct {
	maxThreads int
	memory     *semaphore.Weighted // bytes of the job memory budget
	capacity   int64
}

func newServer(maxThreads int, budgetBytes int64) *server {
	if budgetBytes <= 0 {
		budgetBytes = fallbackMemoryBudget
	}
	return &server{
		maxThreads: maxThreads,
		memory:     semaphore.NewWeighted(budgetBytes),
		capacity:   budgetBytes,
	}
}

// Returns 70% of physical memory, like the batch jobs
func memoryBudget() int64 {
	return int64(memory.TotalMemory() * 7 / 10)
}

// Creates the HTTP handler for the API. Requests are access-logged to the given writer.
// Concurrent image requests share a budget of 70% of physical memory
func NewRouter(accessLog io.Writer, maxThreads int) *gin.Engine {
	return newRouter(accessLog, newServer(maxThreads, memoryBudget()))
}

func newRouter(accessLog io.Writer, s *server) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = maxMultipartMemory
	r.Use(accessLogger(newAccessLog(accessLog)), gin.Recovery())
	r.GET("/", getIndex)
	r.StaticFS("/js", web.JavascriptFS())
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/clahe", s.postCLAHE)
			v1.POST("/enhance", s.postEnhance)
			v1.POST("/metrics", s.postMetrics)
			v1.POST("/run", s.postRun)
		}
	}
	return r
}

// Serves the API on the given address until the listener fails
func Serve(addr string, accessLog io.Writer, maxThreads int) error {
	return NewRouter(accessLog, maxThreads).Run(addr)
}

func newAccessLog(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("component", "rest").Logger()
}

// Logs one structured line per request
func accessLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("size", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}

func getIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
}

// Blocks until the given number of bytes fits into the memory budget, or the
// context is done. Requests larger than the whole budget wait for all of it
func (s *server) reserve(ctx context.Context, n int64) (release func(), err error) {
	if n > s.capacity {
		n = s.capacity
	}
	if n < 1 {
		n = 1
	}
	if err := s.memory.Acquire(ctx, n); err != nil {
		return nil, fmt.Errorf("waiting for %d MB of memory: %w", n>>20, err)
	}
	return func() { s.memory.Release(n) }, nil
}

// Reads the pixel count of the image uploaded under the given form field from its header
func formPixels(c *gin.Context, field string) (int64, error) {
	header, err := c.FormFile(field)
	if err != nil {
		return 0, fmt.Errorf("form field %s: %w", field, err)
	}
	file, err := header.Open()
	if err != nil {
		return 0, err
	}
	defer file.Close()
	width, height, err := raster.DecodeDimensions(file)
	if err != nil {
		return 0, fmt.Errorf("form field %s: %w", field, err)
	}
	return int64(width) * int64(height), nil
}

// Reserves memory for processing the images under the given form fields in one
// step. On failure the response has been written and release is nil
func (s *server) reserveFor(c *gin.Context, bytesPerPixel int64, fields ...string) (release func()) {
	total := int64(0)
	for _, field := range fields {
		pixels, err := formPixels(c, field)
		if err != nil {
			badRequest(c, err)
			return nil
		}
		total += pixels
	}
	release, err := s.reserve(c.Request.Context(), total*bytesPerPixel)
	if err != nil {
		unavailable(c, err)
		return nil
	}
	return release
}

// Reads and decodes the image uploaded under the given form field
func formImage(c *gin.Context, field string) (*raster.Image, error) {
	header, err := c.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("form field %s: %w", field, err)
	}
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, err := raster.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("form field %s: %w", field, err)
	}
	img.FileName = header.Filename
	return img, nil
}

func formFloat(c *gin.Context, field string, def float64) (float64, error) {
	s := c.PostForm(field)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("form field %s: %w", field, err)
	}
	return v, nil
}

func formGrid(c *gin.Context) (clahe.Grid, error) {
	s := c.PostForm("tiles")
	if s == "" {
		return clahe.DefaultGrid(), nil
	}
	return clahe.ParseGrid(s)
}

func formFormat(c *gin.Context) (imaging.Format, error) {
	return imaging.FormatFromExtension(c.DefaultPostForm("format", "png"))
}

// Parses the enhancement parameters shared by /clahe and /enhance
func formConfig(c *gin.Context) (cfg enhance.Config, err error) {
	cfg = enhance.DefaultConfig()
	if cfg.ClipLimit, err = formFloat(c, "clip", cfg.ClipLimit); err != nil {
		return cfg, err
	}
	if cfg.Grid, err = formGrid(c); err != nil {
		return cfg, err
	}
	cfg.Generator = c.DefaultPostForm("generator", cfg.Generator)
	return cfg, cfg.Validate()
}

func writeImage(c *gin.Context, img *raster.Image, format imaging.Format) {
	var buf bytes.Buffer
	if err := img.Encode(&buf, format, 95); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, raster.ContentType(format), buf.Bytes())
}

func (s *server) postCLAHE(c *gin.Context) {
	cfg, err := formConfig(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	format, err := formFormat(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	release := s.reserveFor(c, enhance.BytesPerPixel, "image")
	if release == nil {
		return
	}
	defer release()
	img, err := formImage(c, "image")
	if err != nil {
		badRequest(c, err)
		return
	}
	out, err := enhance.ApplyCLAHE(img, cfg.ClipLimit, cfg.Grid)
	if err != nil {
		badRequest(c, err)
		return
	}
	writeImage(c, out, format)
}

func (s *server) postEnhance(c *gin.Context) {
	cfg, err := formConfig(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	format, err := formFormat(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	release := s.reserveFor(c, enhance.BytesPerPixel, "image")
	if release == nil {
		return
	}
	defer release()
	img, err := formImage(c, "image")
	if err != nil {
		badRequest(c, err)
		return
	}
	out, k, err := enhance.Enhance(img, cfg)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.Header(HeaderK, strconv.FormatFloat(k, 'f', 4, 64))
	writeImage(c, out, format)
}

func (s *server) postMetrics(c *gin.Context) {
	release := s.reserveFor(c, metricsBytesPerPixel, "original", "enhanced")
	if release == nil {
		return
	}
	defer release()
	orig, err := formImage(c, "original")
	if err != nil {
		badRequest(c, err)
		return
	}
	enh, err := formImage(c, "enhanced")
	if err != nil {
		badRequest(c, err)
		return
	}
	report, err := enhance.Evaluate(orig, enh)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type postRunArgs struct {
	FilePatterns []string        `json:"filePatterns"`
	Sequence     *ops.OpSequence `json:"sequence"`
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// Runs an operator sequence on server-side files, streaming the log as plain text
func (s *server) postRun(c *gin.Context) {
	var args postRunArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		badRequest(c, err)
		return
	}
	if len(args.FilePatterns) == 0 {
		badRequest(c, errors.New("no file patterns given"))
		return
	}
	if args.Sequence == nil {
		badRequest(c, errors.New("no operator sequence given"))
		return
	}

	logWriter := c.Writer
	logWriter.Header().Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	ctx := ops.NewContext(nl.NewSyncWriter(logWriter), s.maxThreads)
	ctx.Sandboxed = true
	seq := ops.NewOpSequence(ops.NewOpLoadMany(args.FilePatterns), args.Sequence)
	promises, err := seq.MakePromises(nil, ctx)
	if err == nil {
		jobs := ctx.Concurrency()
		var release func()
		release, err = s.reserve(c.Request.Context(), int64(jobs)*ctx.MaxPixels()*int64(ctx.BytesPerPixel))
		if err == nil {
			_, err = ops.MaterializeAll(promises, jobs, true)
			release()
		}
	}
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	logWriter.Flush()
}
