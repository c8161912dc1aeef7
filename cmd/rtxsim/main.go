/*
Copyright 2025 The goARRG Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goarrg.com/debug"
)

var flags flag.FlagSet

type sceneFormat uint32

const (
	formatAuto sceneFormat = iota
	formatTOML
	formatYAML
)

func (f *sceneFormat) UnmarshalText(data []byte) error {
	switch string(data) {
	case "auto":
		*f = formatAuto
	case "toml":
		*f = formatTOML
	case "yaml", "yml":
		*f = formatYAML
	default:
		return debug.Errorf("Invalid value: %q", data)
	}
	return nil
}

func (f sceneFormat) MarshalText() (text []byte, err error) {
	switch f {
	case formatAuto:
		return ([]byte)("auto"), nil
	case formatTOML:
		return ([]byte)("toml"), nil
	case formatYAML:
		return ([]byte)("yaml"), nil
	default:
		return nil, debug.Errorf("Invalid value: %d", f)
	}
}

// resolve picks the format from the file extension when f is formatAuto.
func (f sceneFormat) resolve(name string) (sceneFormat, error) {
	if f != formatAuto {
		return f, nil
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return formatAuto, debug.Errorf("Cannot determine the format of %q, use -format", name)
	}
}

func main() {
	debug.SetLevel(debug.LogLevelWarn)

	flags.Usage = help
	flags.Init("", flag.ExitOnError)

	v := flags.Bool("v", false, "Verbose - Print high level tasks")
	vv := flags.Bool("vv", false, "Very Verbose - Print everything")

	format := formatAuto
	flags.TextVar(&format, "format", formatAuto, "Sets the scene file format.\n"+
		"Valid values are \"auto\", \"toml\" and \"yaml\", auto picks from the file extension.")
	out := flags.String("o", "", "Writes the JSON report to the file instead of stdout.")
	ticks := flags.Int("ticks", -1, "Overrides the number of device ticks run after the first dispatch.")
	unified := flags.Bool("unified-memory", false, "Simulates a device where all memory is host visible.")
	immediate := flags.Bool("immediate", false, "Executes every submission as soon as it is submitted.")
	noDeferred := flags.Bool("no-deferred-ops", false, "Hides deferred host operations so pipelines compile serially.")
	budget := flags.Uint64("memory-budget", 0, "Limits the bytes of live buffers on the device, 0 is unlimited.")

	err := flags.Parse(os.Args[1:])
	if err != nil {
		panic(err)
	}

	if *v {
		debug.SetLevel(debug.LogLevelInfo)
	} else if *vv {
		debug.SetLevel(debug.LogLevelVerbose)
	}

	args := flags.Args()
	if len(args) == 0 {
		debug.EPrintf("No scene file provided.")
		help()
		os.Exit(2)
	} else if len(args) > 1 {
		debug.EPrintf("rtxsim can only run one scene at a time.")
		help()
		os.Exit(2)
	}

	name := args[0]
	format, err = format.resolve(name)
	if err != nil {
		debug.EPrintf("%s", err)
		os.Exit(2)
	}

	debug.IPrintf("Loading scene: %q", name)
	scene, err := loadScene(name, format)
	if err != nil {
		debug.EPrintf("%s", err)
		os.Exit(2)
	}
	if *ticks >= 0 {
		scene.Ticks = *ticks
	}

	r := run(scene, simOptions{
		unifiedMemory: *unified,
		immediate:     *immediate,
		noDeferredOps: *noDeferred,
		memoryBudget:  *budget,
	})

	j, err := json.MarshalIndent(r, "", "\t")
	if err != nil {
		panic(err)
	}
	if *out == "" {
		fmt.Fprintf(os.Stdout, "%s\n", j)
	} else {
		debug.IPrintf("Writing report to: %q", *out)
		err = os.WriteFile(*out, j, 0o655)
		if err != nil {
			panic(err)
		}
	}
	if len(r.ValidationErrors) > 0 {
		os.Exit(1)
	}
}

func help() {
	fmt.Fprintf(os.Stderr, "rtxsim runs a ray tracing scene description against the software driver and reports what happened.\n"+
		"\nGeometries are built, compacted over a number of device ticks, instanced into a scene and bound into a\n"+
		"shader binding table before rays are dispatched. The report lists acceleration structure sizes, compaction\n"+
		"results, shader table regions, dispatches and every validation error the driver recorded.\n"+
		"\nThe exit code is 1 when the driver recorded validation errors.\n"+
		"\n")
	args := ""
	flags.VisitAll(func(f *flag.Flag) {
		n, u := flag.UnquoteUsage(f)
		if f.DefValue != "" {
			u += "\n\nDefaults to \"" + f.DefValue + "\"."
		}
		args += "\t-" + f.Name + " " + n + "\n\t\t" + strings.ReplaceAll(strings.TrimSpace(u), "\n", "\n\t\t") + "\n"
	})
	fmt.Fprintf(os.Stderr, "Usage:\n\t%s [arguments] <scene.toml|scene.yaml>\n\nArguments:\n%s", filepath.Base(os.Args[0]), args)
}
