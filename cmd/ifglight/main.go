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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	nl "github.com/mlnoga/ifglight/internal"
	"github.com/mlnoga/ifglight/internal/clahe"
	"github.com/mlnoga/ifglight/internal/enhance"
	"github.com/mlnoga/ifglight/internal/fuzzy"
	"github.com/mlnoga/ifglight/internal/ops"
	"github.com/mlnoga/ifglight/internal/ops/stretch"
	"github.com/mlnoga/ifglight/internal/raster"
	"github.com/mlnoga/ifglight/internal/rest"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out = flag.String("out", "out%d.png", "save output to `file`, %d is replaced by the input index. Suffix selects the format")
var log = flag.String("log", "", "save log output to `file`")
var quality = flag.Int("quality", 95, "JPEG output quality in [1,100]")
var threads = flag.Int("threads", 0, "number of images processed concurrently, 0=auto from CPUs and memory")

var clip = flag.Float64("clip", clahe.DefaultClipLimit, "CLAHE clip limit, relative to a uniform histogram")
var tiles = flag.String("tiles", clahe.DefaultGrid().String(), "CLAHE tile grid as `RxC`, or a single number for a square grid")
var generator = flag.String("generator", fuzzy.DefaultGenerator, "fuzzy membership generator, one of "+strings.Join(fuzzy.GeneratorNames(), ", "))
var defaultKGrid = fuzzy.DefaultKGrid()
var kStart = flag.Float64("kStart", defaultKGrid.Start, "first candidate exponent k for the entropy search")
var kStep = flag.Float64("kStep", defaultKGrid.Step, "step between candidate exponents k")
var kCount = flag.Int("kCount", defaultKGrid.Count, "number of candidate exponents k, all of them in [0,1)")
var metrics = flag.Bool("metrics", true, "log entropy and contrast improvement index of each output")

var addr = flag.String("addr", ":8080", "listen address for the REST server")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir` before serving (requires root)")
var setuid = flag.Int("setuid", -1, "serve: switch to given user id before serving, -1=keep")

func main() {
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(nl.LogWriter, `IFGlight Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (clahe|enhance|compare|stats|run|serve|info|legal|version) (img0.png ... imgn.jpg)

Commands:
  clahe   Apply contrast limited adaptive histogram equalization to each input image
  enhance Apply intuitionistic fuzzy enhancement followed by CLAHE to each input image
  compare Apply both, save both results and log entropy and contrast improvement of each
  stats   Show input image statistics
  run     Run the operator sequence from the given JSON file on the input images
  serve   Serve the REST API
  info    Show CPU and memory information
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log != "" {
		if err := nl.LogAlsoToFile(*log); err != nil {
			nl.LogFatalf("Unable to open logfile '%s': %s\n", *log, err)
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			nl.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			nl.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	c := ops.NewContext(nl.LogWriter, *threads)
	var err error
	switch args[0] {
	case "clahe":
		err = cmdCLAHE(args[1:], c)
	case "enhance":
		err = cmdEnhance(args[1:], c)
	case "compare":
		err = cmdCompare(args[1:], c)
	case "stats":
		err = runSequence(args[1:], ops.NewOpSequence(stretch.NewOpMetrics(true)), c)
	case "run":
		err = cmdRun(args[1:], c)
	case "serve":
		if err = rest.MakeSandbox(*chroot, *setuid); err == nil {
			nl.LogPrintf("Serving on %s with %d concurrent jobs\n", *addr, c.MaxThreads)
			err = rest.Serve(*addr, nl.LogWriter, c.MaxThreads)
		}
	case "info":
		cmdInfo(c)
	case "legal":
		nl.LogPrint(legal)
	case "version":
		nl.LogPrintf("Version %s\n", version)
	case "help", "?":
		flag.Usage()
		return
	default:
		nl.LogPrintf("Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	nl.LogPrintf("\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			nl.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			nl.LogFatal("Could not write allocation profile: ", err)
		}
	}

	if err != nil {
		nl.LogFatalf("Error: %s\n", err.Error())
	}
	nl.LogSync()
}

// Builds the enhancement configuration from the command line flags
func configFromFlags() (enhance.Config, error) {
	grid, err := clahe.ParseGrid(*tiles)
	if err != nil {
		return enhance.Config{}, err
	}
	cfg := enhance.Config{
		ClipLimit: *clip,
		Grid:      grid,
		Generator: *generator,
		KGrid:     fuzzy.KGrid{Start: *kStart, Step: *kStep, Count: *kCount},
	}
	return cfg, cfg.Validate()
}

func cmdCLAHE(files []string, c *ops.Context) error {
	cfg, err := configFromFlags()
	if err != nil {
		return err
	}
	seq := stretch.NewOpStretch(
		stretch.NewOpMetrics(false),
		stretch.NewOpCLAHE(true, cfg.ClipLimit, cfg.Grid, *metrics),
		stretch.NewOpEnhance(false, cfg, false),
		ops.NewOpSave(*out, *quality),
	)
	return runSequence(files, seq, c)
}

func cmdEnhance(files []string, c *ops.Context) error {
	cfg, err := configFromFlags()
	if err != nil {
		return err
	}
	seq := stretch.NewOpStretch(
		stretch.NewOpMetrics(false),
		stretch.NewOpCLAHE(false, cfg.ClipLimit, cfg.Grid, false),
		stretch.NewOpEnhance(true, cfg, *metrics),
		ops.NewOpSave(*out, *quality),
	)
	return runSequence(files, seq, c)
}

// Loads the files and runs the sequence on each of them
func runSequence(files []string, seq *ops.OpSequence, c *ops.Context) error {
	if len(files) == 0 {
		return fmt.Errorf("no input files given")
	}
	m, err := json.MarshalIndent(seq, "", "  ")
	if err != nil {
		return err
	}
	nl.LogPrintf("Processing with these settings:\n%s\n", string(m))

	full := ops.NewOpSequence(ops.NewOpLoadMany(files), seq)
	promises, err := full.MakePromises(nil, c)
	if err != nil {
		return err
	}
	_, err = ops.MaterializeAll(promises, c.Concurrency(), true)
	return err
}

// Runs a JSON operator sequence from args[0]. Remaining args are loaded as inputs if given
func cmdRun(args []string, c *ops.Context) error {
	if len(args) < 1 {
		return fmt.Errorf("run needs a JSON operator sequence file")
	}
	bs, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	seq := ops.NewOpSequenceDefault()
	if err := json.Unmarshal(bs, seq); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if len(args) > 1 {
		return runSequence(args[1:], seq, c)
	}
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		return err
	}
	_, err = ops.MaterializeAll(promises, c.Concurrency(), true)
	return err
}

// Runs CLAHE and IFG+CLAHE on each file, saving both and logging metrics side by side
func cmdCompare(files []string, c *ops.Context) error {
	cfg, err := configFromFlags()
	if err != nil {
		return err
	}
	c.BytesPerPixel = enhance.CompareBytesPerPixel // both outputs are alive at once
	loads, err := ops.NewOpLoadMany(files).MakePromises(nil, c)
	if err != nil {
		return err
	}
	claheSave := ops.NewOpSave(suffixed(*out, "_clahe"), *quality)
	ifgSave := ops.NewOpSave(suffixed(*out, "_ifg"), *quality)

	promises := make([]ops.Promise, len(loads))
	for i, load := range loads {
		load := load
		promises[i] = func() (*raster.Image, error) {
			img, err := load()
			if err != nil {
				return nil, err
			}
			cmp, err := enhance.Compare(img, cfg)
			if err != nil {
				return nil, fmt.Errorf("%d: %w", img.ID, err)
			}
			cmp.CLAHE.ID, cmp.IFG.Image.ID = img.ID, img.ID
			fmt.Fprintf(c.Log, "%d: CLAHE:           %v\n", img.ID, cmp.CLAHEReport)
			fmt.Fprintf(c.Log, "%d: IFG+CLAHE k=%.2f: %v\n", img.ID, cmp.IFG.K, cmp.IFGReport)
			if _, err := claheSave.Apply(cmp.CLAHE, c); err != nil {
				return nil, err
			}
			return ifgSave.Apply(cmp.IFG.Image, c)
		}
	}
	_, err = ops.MaterializeAll(promises, c.Concurrency(), true)
	return err
}

// Inserts a suffix before the file extension of a name or pattern
func suffixed(name, suffix string) string {
	if name == "" {
		return ""
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + suffix + ext
}

func cmdInfo(c *ops.Context) {
	nl.LogPrintf("CPU %s with %d physical and %d logical cores, AVX2 %v\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2())
	nl.LogPrintf("Physical memory %d MB, using up to %d concurrent jobs\n", memory.TotalMemory()/1024/1024, c.MaxThreads)
	nl.LogPrintf("Membership generators: %s\n", strings.Join(fuzzy.GeneratorNames(), ", "))
}
