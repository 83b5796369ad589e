package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/changeset/internal/ir"
)

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// BuildDir loads the CUE package in dir and builds it into a single value.
func BuildDir(dir string) (cue.Value, error) {
	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return value, nil
}

// CompileAll compiles every resource under the top-level "resource" field.
// With failFast it returns at the first error; otherwise it collects one
// error per failing resource and keeps going.
func CompileAll(v cue.Value, failFast bool) ([]ir.ResourceSpec, []error) {
	var (
		specs []ir.ResourceSpec
		errs  []error
	)

	resourcesVal := v.LookupPath(cue.ParsePath("resource"))
	if !resourcesVal.Exists() {
		return nil, []error{&CompileError{Field: "resource", Message: "no resources defined", Pos: v.Pos()}}
	}

	iter, err := resourcesVal.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err)}
	}
	for iter.Next() {
		spec, err := CompileResource(iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("resource %s: %w", iter.Label(), err))
			if failFast {
				return specs, errs
			}
			continue
		}
		specs = append(specs, *spec)
	}
	return specs, errs
}

// LoadDir builds and compiles every resource in dir, then validates them.
// The first error of any stage is returned.
func LoadDir(dir string) ([]ir.ResourceSpec, error) {
	value, err := BuildDir(dir)
	if err != nil {
		return nil, err
	}
	specs, errs := CompileAll(value, true)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	for i := range specs {
		if verrs := Validate(&specs[i]); len(verrs) > 0 {
			return nil, fmt.Errorf("resource %s: %w", specs[i].Name, verrs[0])
		}
	}
	return specs, nil
}
