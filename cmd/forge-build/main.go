// Command forge-build is a thin wiring demonstration of the engine: it
// builds the unit graph of a tiny hand-written Resolve, drives the
// scheduler with job bodies that only log and signal metadata-ready, then
// checks and writes a fingerprint for each unit. It takes no flags; it exists to show
// how the pieces fit together, not as a usable build tool.
package main

import (
	"context"
	"fmt"
	"os"

	forge "github.com/forgectl/forgecore"
	"github.com/forgectl/forgecore/internal/jobqueue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	in := forge.NewInterner()
	reg := forge.NewRegistrySourceId("https://example.invalid/index")

	appID, err := in.Intern("app", "0.1.0", forge.NewPathSourceId("/workspace/app"))
	if err != nil {
		return err
	}
	libID, err := in.Intern("greeting", "1.0.0", reg)
	if err != nil {
		return err
	}

	packages := map[string]forge.Package{
		appID.Key(): {ID: appID, Targets: []forge.Target{{Kind: forge.TargetBinary, Name: "app", SourcePath: "src/main.rs"}}},
		libID.Key(): {ID: libID, Targets: []forge.Target{{Kind: forge.TargetLibrary, Name: "greeting", SourcePath: "src/lib.rs"}}},
	}
	resolve := &forge.Resolve{
		Packages: map[string]forge.PackageId{appID.Key(): appID, libID.Key(): libID},
		Edges: map[string][]forge.ResolvedDependency{
			appID.Key(): {{DepName: "greeting", ExternName: "greeting", Target: libID, Kind: forge.DepNormal}},
		},
		Features: map[string]map[string]bool{},
	}

	profileFor := func(forge.PackageId, forge.CompileMode) forge.Profile { return forge.DefaultDevProfile() }
	graph, err := forge.BuildUnitGraph(resolve, packages, "x86_64-unknown-linux-gnu", []forge.PackageId{appID}, forge.TargetFilter{AllBins: true}, profileFor, nil)
	if err != nil {
		return err
	}

	cacheDir, err := os.MkdirTemp("", "forge-build-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(cacheDir)

	scheduler := jobqueue.NewScheduler(2, false)
	jobsByUnit := map[string]*jobqueue.Job{}

	for _, u := range graph.Units() {
		u := u
		var deps []*jobqueue.Job
		for _, d := range graph.DepsOf(u) {
			if j, ok := jobsByUnit[d.Unit.Key()]; ok {
				deps = append(deps, j)
			}
		}
		job := jobqueue.NewJob(u, deps, func(ctx context.Context, ready func()) error {
			forge.WithField("unit", u.Target.Name).Debug("compiling")
			ready()
			return nil
		})
		jobsByUnit[u.Key()] = job
		scheduler.Add(job)
	}

	if err := scheduler.Run(context.Background()); err != nil {
		return err
	}

	for _, u := range graph.Units() {
		fp := forge.Fingerprint{RustcVersion: "1.75.0", TargetName: u.Target.Name, Features: u.Features}
		report, err := forge.CheckFreshness(cacheDir, u.Key(), fp)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", u.Target.Name, report)
		if err := forge.WriteFingerprint(cacheDir, u.Key(), fp); err != nil {
			return err
		}
	}
	return nil
}
